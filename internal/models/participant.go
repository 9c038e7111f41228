package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ParticipantStatus string

const (
	ParticipantActive    ParticipantStatus = "active"
	ParticipantCompleted ParticipantStatus = "completed"
	ParticipantFailed    ParticipantStatus = "failed"
	ParticipantLeft      ParticipantStatus = "left"
)

type PayoutStatus string

const (
	PayoutNone    PayoutStatus = ""
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"

	// PayoutProcessing marks a payout claimed by a caller that is talking to
	// the payment processor.
	PayoutProcessing PayoutStatus = "processing"
)

// Participant is a user's membership of a challenge together with their stake.
type Participant struct {
	ChallengeID          string            `json:"challenge_id"`
	UserID               string            `json:"user_id"`
	Status               ParticipantStatus `json:"status"`
	InvestmentAmount     decimal.Decimal   `json:"investment_amount"`
	EscrowReference      string            `json:"escrow_reference,omitempty"` // payment processor charge
	ForfeitedAmount      decimal.Decimal   `json:"forfeited_amount"`
	DaysMissed           int               `json:"days_missed"`
	CompletionPercentage int               `json:"completion_percentage"`

	// Written only by settlement.
	IsWinner        bool            `json:"is_winner"`
	PayoutAmount    decimal.Decimal `json:"payout_amount"`
	PayoutStatus    PayoutStatus    `json:"payout_status,omitempty"`
	PayoutReference string          `json:"payout_reference,omitempty"`

	// Admin review.
	IsInvalid          bool       `json:"is_invalid"`
	InvalidatedBy      string     `json:"invalidated_by,omitempty"`
	InvalidatedAt      *time.Time `json:"invalidated_at,omitempty"`
	InvalidationReason string     `json:"invalidation_reason,omitempty"`

	JoinedAt  time.Time `json:"joined_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsWinnerCandidate reports whether the participant qualifies for a share
// of the pot.
func (p Participant) IsWinnerCandidate() bool {
	return p.Status == ParticipantCompleted && p.CompletionPercentage == 100 && !p.IsInvalid
}
