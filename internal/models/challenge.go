package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChallengeStatus string

const (
	ChallengeUpcoming ChallengeStatus = "upcoming"
	ChallengeActive   ChallengeStatus = "active"
	ChallengeEnded    ChallengeStatus = "ended"
)

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = ""
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Challenge is the schedule and review state a pot settles against.
type Challenge struct {
	ID                    string          `json:"id"`
	Title                 string          `json:"title"`
	EntryFee              decimal.Decimal `json:"entry_fee"`
	PlatformFeePercentage decimal.Decimal `json:"platform_fee_percentage"`
	ForfeitUnit           decimal.Decimal `json:"forfeit_unit"` // zero means service default
	TotalPeriods          int             `json:"total_periods"`
	StartsAt              time.Time       `json:"starts_at"`
	EndsAt                time.Time       `json:"ends_at"`
	Status                ChallengeStatus `json:"status"`

	ApprovalStatus  ApprovalStatus `json:"approval_status,omitempty"`
	ReviewedBy      string         `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time     `json:"reviewed_at,omitempty"`
	ReviewNotes     string         `json:"review_notes,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PeriodLength is the duration of one proof period.
func (c Challenge) PeriodLength() time.Duration {
	if c.TotalPeriods <= 0 {
		return 0
	}
	return c.EndsAt.Sub(c.StartsAt) / time.Duration(c.TotalPeriods)
}

// PeriodEnd returns the instant at which period (1-based) closes.
func (c Challenge) PeriodEnd(period int) time.Time {
	if period >= c.TotalPeriods {
		return c.EndsAt
	}
	return c.StartsAt.Add(time.Duration(period) * c.PeriodLength())
}

// ElapsedPeriods is the number of periods fully closed at now.
func (c Challenge) ElapsedPeriods(now time.Time) int {
	n := 0
	for p := 1; p <= c.TotalPeriods; p++ {
		if now.Before(c.PeriodEnd(p)) {
			break
		}
		n = p
	}
	return n
}

// RejectionIntent is the first half of a two-phase rejection.
type RejectionIntent struct {
	ChallengeID string    `json:"challenge_id"`
	AdminID     string    `json:"admin_id"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
