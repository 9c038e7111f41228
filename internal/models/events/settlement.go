package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicSettlement = "challenge_settlement"
	TopicReview     = "challenge_review"
)

type PotDistributed struct {
	ChallengeID     string          `json:"challenge_id"`
	Outcome         string          `json:"outcome"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	Residue         decimal.Decimal `json:"residue"`
	PayoutPerWinner decimal.Decimal `json:"payout_per_winner"`
	Winners         int             `json:"winners"`
	FailedPayouts   int             `json:"failed_payouts"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

type PayoutFailed struct {
	ChallengeID string          `json:"challenge_id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

func (e PotDistributed) PartitionKey() string { return e.ChallengeID }
func (e PayoutFailed) PartitionKey() string { return e.ChallengeID }
