package proof

import (
	"context"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/metrics"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Tracker records per-period proof and applies forfeitures for missed
// periods.
type Tracker struct {
	store       interfaces.Store
	defaultUnit decimal.Decimal
	log         logrus.FieldLogger
	nowFn       func() time.Time
}

// NewTracker builds a Tracker. defaultUnit is the per-period forfeit unit used
// for challenges that do not set their own.
func NewTracker(store interfaces.Store, defaultUnit decimal.Decimal, log logrus.FieldLogger) *Tracker {
	return &Tracker{
		store:       store,
		defaultUnit: defaultUnit,
		log:         logging.OrBase(log),
		nowFn:       time.Now,
	}
}

func (t *Tracker) SetClock(now func() time.Time) { t.nowFn = now }

// RecordProof upserts the (challenge, user, period) record and refreshes the
// participant's completion percentage. A period that has already been
// forfeited is closed.
func (t *Tracker) RecordProof(ctx context.Context, challengeID, userID string, period int, hasProof bool, submissionRef string) (models.ProofRecord, error) {
	var rec models.ProofRecord
	err := t.store.Atomic(ctx, func(tx interfaces.Tx) error {
		challenge, err := tx.GetChallenge(ctx, challengeID)
		if err != nil {
			return fmt.Errorf("challenge %s: %w", challengeID, err)
		}
		if period < 1 || period > challenge.TotalPeriods {
			return fmt.Errorf("period %d outside 1..%d: %w", period, challenge.TotalPeriods, models.ErrInvalidInput)
		}
		p, err := tx.GetParticipant(ctx, challengeID, userID)
		if err != nil {
			return fmt.Errorf("participant %s: %w", userID, err)
		}
		if p.Status != models.ParticipantActive {
			return fmt.Errorf("participant is %s: %w", p.Status, models.ErrInvalidStateTransition)
		}

		now := t.nowFn()
		rec, err = tx.GetProof(ctx, challengeID, userID, period)
		switch {
		case errors.Is(err, models.ErrNotFound):
			rec = models.ProofRecord{
				ChallengeID:     challengeID,
				UserID:          userID,
				Period:          period,
				ForfeitedAmount: decimal.Zero,
				CreatedAt:       now,
			}
		case err != nil:
			return err
		case rec.Forfeited:
			return fmt.Errorf("period %d already forfeited: %w", period, models.ErrInvalidStateTransition)
		}
		rec.HasProof = hasProof
		if submissionRef != "" {
			rec.SubmissionRef = submissionRef
		}
		rec.UpdatedAt = now
		if err := tx.UpsertProof(ctx, rec); err != nil {
			return err
		}

		submitted, err := tx.CountProofs(ctx, challengeID, userID)
		if err != nil {
			return err
		}
		p.CompletionPercentage = completion(submitted, challenge.TotalPeriods)
		p.UpdatedAt = now
		return tx.SaveParticipant(ctx, p)
	})
	if err != nil {
		return models.ProofRecord{}, err
	}
	return rec, nil
}

func completion(submitted, total int) int {
	if total <= 0 {
		return 0
	}
	pct := submitted * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// CalculateForfeitures applies forfeitures for period and returns the total
// forfeited. Unexpected errors are logged and reported as nothing forfeited.
func (t *Tracker) CalculateForfeitures(ctx context.Context, challengeID string, period int) decimal.Decimal {
	total, err := t.Forfeit(ctx, challengeID, period)
	if err != nil {
		t.log.WithFields(logrus.Fields{
			"challenge_id": challengeID,
			"period":       period,
		}).WithError(err).Warn("forfeiture calculation failed, treating as nothing forfeited")
		return decimal.Zero
	}
	return total
}

// Forfeit charges every active participant without proof for period one
// share of the challenge's forfeit unit (unit / active participants).
// Participants already forfeited for the period are skipped, so repeated calls
// for the same period forfeit nothing further. A stake never forfeits more
// than its investment.
func (t *Tracker) Forfeit(ctx context.Context, challengeID string, period int) (decimal.Decimal, error) {
	total := decimal.Zero
	missed := 0
	err := t.store.Atomic(ctx, func(tx interfaces.Tx) error {
		total = decimal.Zero
		missed = 0

		challenge, err := tx.GetChallenge(ctx, challengeID)
		if err != nil {
			return fmt.Errorf("challenge %s: %w", challengeID, err)
		}
		if period < 1 || period > challenge.TotalPeriods {
			return fmt.Errorf("period %d outside 1..%d: %w", period, challenge.TotalPeriods, models.ErrInvalidInput)
		}
		participants, err := tx.LockParticipants(ctx, challengeID)
		if err != nil {
			return err
		}
		var active []models.Participant
		for _, p := range participants {
			if p.Status == models.ParticipantActive {
				active = append(active, p)
			}
		}
		if len(active) == 0 {
			return nil
		}

		// RecordProof locks the participant first, so past this point a
		// concurrent submission is either visible here or waits for us.
		proofs, err := tx.ListProofs(ctx, challengeID, period)
		if err != nil {
			return err
		}
		byUser := make(map[string]models.ProofRecord, len(proofs))
		for _, rec := range proofs {
			byUser[rec.UserID] = rec
		}

		unit := challenge.ForfeitUnit
		if !unit.IsPositive() {
			unit = t.defaultUnit
		}
		share := unit.Div(decimal.NewFromInt(int64(len(active)))).RoundDown(2)
		now := t.nowFn()

		for _, p := range active {
			rec, seen := byUser[p.UserID]
			if seen && (rec.HasProof || rec.Forfeited) {
				continue
			}
			amount := decimal.Min(share, p.InvestmentAmount.Sub(p.ForfeitedAmount))
			if amount.IsNegative() {
				amount = decimal.Zero
			}

			p.ForfeitedAmount = p.ForfeitedAmount.Add(amount)
			p.DaysMissed++
			p.UpdatedAt = now
			if err := tx.SaveParticipant(ctx, p); err != nil {
				return err
			}

			if !seen {
				rec = models.ProofRecord{ChallengeID: challengeID, UserID: p.UserID, Period: period, CreatedAt: now}
			}
			rec.Forfeited = true
			rec.ForfeitedAmount = amount
			rec.UpdatedAt = now
			if err := tx.UpsertProof(ctx, rec); err != nil {
				return err
			}

			total = total.Add(amount)
			missed++
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	if missed > 0 {
		metrics.Forfeitures.Add(float64(missed))
		t.log.WithFields(logrus.Fields{
			"challenge_id": challengeID,
			"period":       period,
			"missed":       missed,
			"forfeited":    total.String(),
		}).Info("period forfeitures applied")
	}
	return total, nil
}
