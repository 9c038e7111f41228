package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProofRecord tracks one participant's proof for one period.
// (ChallengeID, UserID, Period) is unique.
type ProofRecord struct {
	ChallengeID     string          `json:"challenge_id"`
	UserID          string          `json:"user_id"`
	Period          int             `json:"period"`
	HasProof        bool            `json:"has_proof"`
	SubmissionRef   string          `json:"submission_ref,omitempty"`
	Forfeited       bool            `json:"forfeited"`
	ForfeitedAmount decimal.Decimal `json:"forfeited_amount"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
