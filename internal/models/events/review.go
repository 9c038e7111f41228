package events

import "time"

type ChallengeReviewed struct {
	ChallengeID    string    `json:"challenge_id"`
	ApprovalStatus string    `json:"approval_status"`
	ReviewedBy     string    `json:"reviewed_by"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type ParticipantInvalidated struct {
	ChallengeID   string    `json:"challenge_id"`
	UserID        string    `json:"user_id"`
	InvalidatedBy string    `json:"invalidated_by"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notification is the payload handed to the notification sink.
type Notification struct {
	UserID     string    `json:"user_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	NotifyChallengeApproved     = "challenge_approved"
	NotifyChallengeRejected     = "challenge_rejected"
	NotifySubmissionInvalidated = "submission_invalidated"
	NotifyPayoutPaid            = "payout_paid"
	NotifyPayoutFailed          = "payout_failed"
)

func (e ChallengeReviewed) PartitionKey() string { return e.ChallengeID }
func (e ParticipantInvalidated) PartitionKey() string { return e.ChallengeID }
func (e Notification) PartitionKey() string { return e.UserID }
