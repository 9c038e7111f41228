package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PotStatus string

const (
	PotCollecting   PotStatus = "collecting"
	PotActive       PotStatus = "active"
	PotDistributing PotStatus = "distributing"
	PotCompleted    PotStatus = "completed"
)

// ChallengePot aggregates every stake of one challenge.
// PlatformFeeAmount + WinnersPot always equals TotalAmount.
type ChallengePot struct {
	ID                    string          `json:"id"`
	ChallengeID           string          `json:"challenge_id"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	PlatformFeePercentage decimal.Decimal `json:"platform_fee_percentage"`
	PlatformFeeAmount     decimal.Decimal `json:"platform_fee_amount"`
	WinnersPot            decimal.Decimal `json:"winners_pot"`
	Status                PotStatus       `json:"status"`
	DistributedAt         *time.Time      `json:"distributed_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}
