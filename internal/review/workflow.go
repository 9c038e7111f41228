// Package review implements the admin review that gates settlement.
//
// A challenge moves none -> pending when it ends. From pending an admin may
// invalidate individual participants any number of times, then either
// approve (which settles the pot) or reject through a two-phase
// intent/confirm exchange. Approved and rejected are terminal.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models/events"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/settlement"
	"github.com/sirupsen/logrus"
)

// DefaultIntentTTL is how long a rejection intent stays confirmable.
const DefaultIntentTTL = 5 * time.Minute

// Settler settles an approved challenge.
type Settler interface {
	DistributePot(ctx context.Context, challengeID string, skipApprovalCheck bool) (settlement.Result, error)
}

type Dependencies struct {
	Store     interfaces.Store
	Settler   Settler
	Intents   interfaces.IntentStore
	Events    interfaces.EventPublisher
	Notifier  interfaces.Notifier
	IntentTTL time.Duration
	Log       logrus.FieldLogger
}

type Workflow struct {
	store     interfaces.Store
	settler   Settler
	intents   interfaces.IntentStore
	events    interfaces.EventPublisher
	notifier  interfaces.Notifier
	intentTTL time.Duration
	log       logrus.FieldLogger
	nowFn     func() time.Time
}

func NewWorkflow(deps Dependencies) *Workflow {
	ttl := deps.IntentTTL
	if ttl <= 0 {
		ttl = DefaultIntentTTL
	}
	return &Workflow{
		store:     deps.Store,
		settler:   deps.Settler,
		intents:   deps.Intents,
		events:    deps.Events,
		notifier:  deps.Notifier,
		intentTTL: ttl,
		log:       logging.OrBase(deps.Log),
		nowFn:     time.Now,
	}
}

func (w *Workflow) SetClock(now func() time.Time) { w.nowFn = now }

// MarkPending opens review on a challenge. It is a no-op when review is
// already pending.
func (w *Workflow) MarkPending(ctx context.Context, challengeID string) error {
	return w.store.Atomic(ctx, func(tx interfaces.Tx) error {
		return w.MarkPendingTx(ctx, tx, challengeID)
	})
}

func (w *Workflow) MarkPendingTx(ctx context.Context, tx interfaces.Tx, challengeID string) error {
	c, err := tx.LockChallenge(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("challenge %s: %w", challengeID, err)
	}
	switch c.ApprovalStatus {
	case models.ApprovalPending:
		return nil
	case models.ApprovalNone:
	default:
		return fmt.Errorf("challenge %s is %s: %w", challengeID, c.ApprovalStatus, models.ErrInvalidStateTransition)
	}
	c.ApprovalStatus = models.ApprovalPending
	c.UpdatedAt = w.nowFn()
	if err := tx.UpdateChallenge(ctx, c); err != nil {
		return err
	}
	w.log.WithField("challenge_id", challengeID).Info("challenge awaiting review")
	return nil
}

// InvalidateSubmission excludes a participant from winning. The challenge
// stays pending.
func (w *Workflow) InvalidateSubmission(ctx context.Context, challengeID, userID, adminID, reason string) (models.Participant, error) {
	if userID == "" || adminID == "" || strings.TrimSpace(reason) == "" {
		return models.Participant{}, fmt.Errorf("user, admin and reason are required: %w", models.ErrInvalidInput)
	}

	var part models.Participant
	err := w.store.Atomic(ctx, func(tx interfaces.Tx) error {
		c, err := tx.LockChallenge(ctx, challengeID)
		if err != nil {
			return fmt.Errorf("challenge %s: %w", challengeID, err)
		}
		if c.ApprovalStatus != models.ApprovalPending {
			return fmt.Errorf("challenge %s is not pending review: %w", challengeID, models.ErrInvalidStateTransition)
		}
		part, err = tx.GetParticipant(ctx, challengeID, userID)
		if err != nil {
			return fmt.Errorf("participant %s: %w", userID, err)
		}
		now := w.nowFn()
		part.IsInvalid = true
		part.InvalidatedBy = adminID
		part.InvalidatedAt = &now
		part.InvalidationReason = reason
		part.UpdatedAt = now
		return tx.SaveParticipant(ctx, part)
	})
	if err != nil {
		return models.Participant{}, err
	}

	w.log.WithFields(logrus.Fields{
		"challenge_id": challengeID,
		"user_id":      userID,
		"admin_id":     adminID,
	}).Info("submission invalidated")
	w.publish(ctx, events.ParticipantInvalidated{
		ChallengeID:   challengeID,
		UserID:        userID,
		InvalidatedBy: adminID,
		Reason:        reason,
		OccurredAt:    w.nowFn(),
	})
	w.notify(ctx, userID, events.NotifySubmissionInvalidated)
	return part, nil
}

// VerifyAll approves a challenge nobody was invalidated on and settles it.
func (w *Workflow) VerifyAll(ctx context.Context, challengeID, adminID, notes string) (settlement.Result, error) {
	return w.approve(ctx, challengeID, adminID, notes)
}

// ApproveAfterInvalidation approves a challenge once the admin is done
// invalidating and settles it.
func (w *Workflow) ApproveAfterInvalidation(ctx context.Context, challengeID, adminID, notes string) (settlement.Result, error) {
	return w.approve(ctx, challengeID, adminID, notes)
}

// approve commits the approval before settling. A settlement error leaves the
// challenge approved; the sweep settles it later.
func (w *Workflow) approve(ctx context.Context, challengeID, adminID, notes string) (settlement.Result, error) {
	if adminID == "" {
		return settlement.Result{}, fmt.Errorf("admin is required: %w", models.ErrInvalidInput)
	}
	users, err := w.review(ctx, challengeID, adminID, models.ApprovalApproved, func(c *models.Challenge) {
		c.ReviewNotes = notes
	})
	if err != nil {
		return settlement.Result{}, err
	}

	w.publish(ctx, events.ChallengeReviewed{
		ChallengeID:    challengeID,
		ApprovalStatus: string(models.ApprovalApproved),
		ReviewedBy:     adminID,
		OccurredAt:     w.nowFn(),
	})
	for _, u := range users {
		w.notify(ctx, u, events.NotifyChallengeApproved)
	}

	res, err := w.settler.DistributePot(ctx, challengeID, true)
	if err != nil {
		return res, fmt.Errorf("settle %s: %w", challengeID, err)
	}
	return res, nil
}

// RequestRejection records phase one of a rejection. The intent must be
// confirmed by the same admin within the intent TTL.
func (w *Workflow) RequestRejection(ctx context.Context, challengeID, adminID string) (models.RejectionIntent, error) {
	if adminID == "" {
		return models.RejectionIntent{}, fmt.Errorf("admin is required: %w", models.ErrInvalidInput)
	}
	err := w.store.Atomic(ctx, func(tx interfaces.Tx) error {
		c, err := tx.GetChallenge(ctx, challengeID)
		if err != nil {
			return fmt.Errorf("challenge %s: %w", challengeID, err)
		}
		if c.ApprovalStatus != models.ApprovalPending {
			return fmt.Errorf("challenge %s is not pending review: %w", challengeID, models.ErrInvalidStateTransition)
		}
		return nil
	})
	if err != nil {
		return models.RejectionIntent{}, err
	}

	now := w.nowFn()
	intent := models.RejectionIntent{
		ChallengeID: challengeID,
		AdminID:     adminID,
		RequestedAt: now,
		ExpiresAt:   now.Add(w.intentTTL),
	}
	if err := w.intents.PutIntent(ctx, intent); err != nil {
		return models.RejectionIntent{}, fmt.Errorf("store rejection intent: %w", err)
	}
	w.log.WithFields(logrus.Fields{
		"challenge_id": challengeID,
		"admin_id":     adminID,
		"expires_at":   intent.ExpiresAt,
	}).Info("rejection requested")
	return intent, nil
}

// ConfirmRejection is phase two. It fails with ErrIntentNotFound when no
// intent from adminID exists and ErrIntentExpired once the TTL has passed.
// Stakes stay in the pot.
func (w *Workflow) ConfirmRejection(ctx context.Context, challengeID, adminID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("rejection reason is required: %w", models.ErrInvalidInput)
	}
	intent, err := w.intents.GetIntent(ctx, challengeID)
	if err != nil {
		return err
	}
	if intent.AdminID != adminID {
		return models.ErrIntentNotFound
	}
	if w.nowFn().After(intent.ExpiresAt) {
		if err := w.intents.DeleteIntent(ctx, challengeID); err != nil {
			w.log.WithError(err).Warn("dropping expired rejection intent")
		}
		return models.ErrIntentExpired
	}

	users, err := w.review(ctx, challengeID, adminID, models.ApprovalRejected, func(c *models.Challenge) {
		c.RejectionReason = reason
	})
	if err != nil {
		return err
	}
	if err := w.intents.DeleteIntent(ctx, challengeID); err != nil {
		w.log.WithError(err).Warn("deleting used rejection intent")
	}

	w.publish(ctx, events.ChallengeReviewed{
		ChallengeID:    challengeID,
		ApprovalStatus: string(models.ApprovalRejected),
		ReviewedBy:     adminID,
		Reason:         reason,
		OccurredAt:     w.nowFn(),
	})
	for _, u := range users {
		w.notify(ctx, u, events.NotifyChallengeRejected)
	}
	return nil
}

// review moves a pending challenge to a terminal approval status and returns
// the users to notify.
func (w *Workflow) review(ctx context.Context, challengeID, adminID string, to models.ApprovalStatus, apply func(*models.Challenge)) ([]string, error) {
	var users []string
	err := w.store.Atomic(ctx, func(tx interfaces.Tx) error {
		users = nil
		c, err := tx.LockChallenge(ctx, challengeID)
		if err != nil {
			return fmt.Errorf("challenge %s: %w", challengeID, err)
		}
		if c.ApprovalStatus != models.ApprovalPending {
			return fmt.Errorf("challenge %s %q -> %s: %w", challengeID, c.ApprovalStatus, to, models.ErrInvalidStateTransition)
		}
		now := w.nowFn()
		c.ApprovalStatus = to
		c.ReviewedBy = adminID
		c.ReviewedAt = &now
		c.UpdatedAt = now
		apply(&c)
		if err := tx.UpdateChallenge(ctx, c); err != nil {
			return err
		}

		participants, err := tx.ListParticipants(ctx, challengeID)
		if err != nil {
			return err
		}
		for _, p := range participants {
			if p.Status != models.ParticipantLeft {
				users = append(users, p.UserID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.log.WithFields(logrus.Fields{
		"challenge_id": challengeID,
		"admin_id":     adminID,
		"status":       to,
	}).Info("challenge reviewed")
	return users, nil
}

func (w *Workflow) publish(ctx context.Context, event any) {
	if w.events == nil {
		return
	}
	if err := w.events.Publish(ctx, events.TopicReview, event); err != nil {
		w.log.WithError(err).Warnf("publishing %T", event)
	}
}

func (w *Workflow) notify(ctx context.Context, userID, eventType string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, userID, eventType); err != nil {
		w.log.WithFields(logrus.Fields{"user_id": userID, "event_type": eventType}).WithError(err).Warn("notification failed")
	}
}

// IsIntentError reports whether err is one of the rejection intent errors.
func IsIntentError(err error) bool {
	return errors.Is(err, models.ErrIntentNotFound) || errors.Is(err, models.ErrIntentExpired)
}
