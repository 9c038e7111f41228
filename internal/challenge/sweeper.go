package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/metrics"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/pot"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/proof"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/settlement"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SweepLockName is the lock every replica contends for before sweeping.
const SweepLockName = "escrow:sweep"

type Reviewer interface {
	MarkPendingTx(ctx context.Context, tx interfaces.Tx, challengeID string) error
}

type Settler interface {
	DistributePot(ctx context.Context, challengeID string, skipApprovalCheck bool) (settlement.Result, error)
	RetryFailedPayouts(ctx context.Context, challengeID string) (settlement.Result, error)
}

type SweeperDependencies struct {
	Store    interfaces.Store
	Pots     *pot.Manager
	Tracker  *proof.Tracker
	Reviewer Reviewer
	Settler  Settler
	Locker   interfaces.Locker
	LockTTL  time.Duration
	Log      logrus.FieldLogger
}

// Sweeper advances challenges on a schedule: it starts them, forfeits missed
// periods, closes ended challenges for review and settles approved ones.
// Every step is safe to repeat.
type Sweeper struct {
	store    interfaces.Store
	pots     *pot.Manager
	tracker  *proof.Tracker
	reviewer Reviewer
	settler  Settler
	locker   interfaces.Locker
	lockTTL  time.Duration
	log      logrus.FieldLogger
	nowFn    func() time.Time
}

func NewSweeper(deps SweeperDependencies) *Sweeper {
	ttl := deps.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Sweeper{
		store:    deps.Store,
		pots:     deps.Pots,
		tracker:  deps.Tracker,
		reviewer: deps.Reviewer,
		settler:  deps.Settler,
		locker:   deps.Locker,
		lockTTL:  ttl,
		log:      logging.OrBase(deps.Log),
		nowFn:    time.Now,
	}
}

func (s *Sweeper) SetClock(now func() time.Time) { s.nowFn = now }

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Error("sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass of every step. It returns nil without doing anything
// when another worker holds the sweep lock.
func (s *Sweeper) Sweep(ctx context.Context) error {
	release, err := s.locker.TryLock(ctx, SweepLockName, s.lockTTL)
	if errors.Is(err, models.ErrLockHeld) {
		s.log.Debug("sweep already running elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	defer release()

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var errs []error
	if _, err := s.ActivateStartedChallenges(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.ForfeitElapsedPeriods(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.CheckAndUpdateEndedChallenges(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.ProcessCompletedChallenges(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Sweeper) list(ctx context.Context, status models.ChallengeStatus) ([]models.Challenge, error) {
	var list []models.Challenge
	err := s.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		list, err = tx.ListChallengesByStatus(ctx, status)
		return err
	})
	return list, err
}

// ActivateStartedChallenges moves upcoming challenges whose start has passed
// to active, along with their pots.
func (s *Sweeper) ActivateStartedChallenges(ctx context.Context) (int, error) {
	upcoming, err := s.list(ctx, models.ChallengeUpcoming)
	if err != nil {
		return 0, err
	}
	now := s.nowFn()
	activated := 0
	var errs []error
	for _, c := range upcoming {
		if now.Before(c.StartsAt) {
			continue
		}
		err := s.store.Atomic(ctx, func(tx interfaces.Tx) error {
			c, err := tx.LockChallenge(ctx, c.ID)
			if err != nil {
				return err
			}
			if c.Status != models.ChallengeUpcoming {
				return nil
			}
			c.Status = models.ChallengeActive
			c.UpdatedAt = now
			if err := tx.UpdateChallenge(ctx, c); err != nil {
				return err
			}
			_, err = s.pots.ActivateTx(ctx, tx, c.ID)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("activate %s: %w", c.ID, err))
			continue
		}
		activated++
		s.log.WithField("challenge_id", c.ID).Info("challenge started")
	}
	return activated, errors.Join(errs...)
}

// ForfeitElapsedPeriods applies forfeitures for every closed period of every
// active challenge. Periods already forfeited are skipped by the tracker.
func (s *Sweeper) ForfeitElapsedPeriods(ctx context.Context) (decimal.Decimal, error) {
	active, err := s.list(ctx, models.ChallengeActive)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, c := range active {
		total = total.Add(s.forfeit(ctx, c))
	}
	return total, nil
}

func (s *Sweeper) forfeit(ctx context.Context, c models.Challenge) decimal.Decimal {
	total := decimal.Zero
	for period := 1; period <= c.ElapsedPeriods(s.nowFn()); period++ {
		total = total.Add(s.tracker.CalculateForfeitures(ctx, c.ID, period))
	}
	return total
}

// CheckAndUpdateEndedChallenges closes active challenges whose end has
// passed. Each active participant becomes completed at 100% and failed
// otherwise, and the challenge goes to review.
func (s *Sweeper) CheckAndUpdateEndedChallenges(ctx context.Context) (int, error) {
	active, err := s.list(ctx, models.ChallengeActive)
	if err != nil {
		return 0, err
	}
	now := s.nowFn()
	ended := 0
	var errs []error
	for _, c := range active {
		if now.Before(c.EndsAt) {
			continue
		}
		s.forfeit(ctx, c)

		err := s.store.Atomic(ctx, func(tx interfaces.Tx) error {
			c, err := tx.LockChallenge(ctx, c.ID)
			if err != nil {
				return err
			}
			if c.Status != models.ChallengeActive {
				return nil
			}
			participants, err := tx.LockParticipants(ctx, c.ID)
			if err != nil {
				return err
			}
			for _, p := range participants {
				if p.Status != models.ParticipantActive {
					continue
				}
				p.Status = models.ParticipantFailed
				if p.CompletionPercentage >= 100 {
					p.Status = models.ParticipantCompleted
				}
				p.UpdatedAt = now
				if err := tx.SaveParticipant(ctx, p); err != nil {
					return err
				}
			}
			c.Status = models.ChallengeEnded
			c.UpdatedAt = now
			if err := tx.UpdateChallenge(ctx, c); err != nil {
				return err
			}
			return s.reviewer.MarkPendingTx(ctx, tx, c.ID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("end %s: %w", c.ID, err))
			continue
		}
		ended++
		s.log.WithField("challenge_id", c.ID).Info("challenge ended, awaiting review")
	}
	return ended, errors.Join(errs...)
}

// ProcessCompletedChallenges settles approved challenges whose pot is still
// open and retries failed or abandoned payouts on settled ones.
func (s *Sweeper) ProcessCompletedChallenges(ctx context.Context) (int, error) {
	type work struct {
		id     string
		settle bool
		retry  bool
	}
	var todo []work
	err := s.store.Atomic(ctx, func(tx interfaces.Tx) error {
		todo = nil
		approved, err := tx.ListChallengesByApproval(ctx, models.ApprovalApproved)
		if err != nil {
			return err
		}
		for _, c := range approved {
			p, err := tx.LockPot(ctx, c.ID)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if p.Status != models.PotCompleted {
				todo = append(todo, work{id: c.ID, settle: true})
				continue
			}
			participants, err := tx.ListParticipants(ctx, c.ID)
			if err != nil {
				return err
			}
			for _, part := range participants {
				// the engine only takes over processing claims once they are stale
				if part.PayoutStatus == models.PayoutFailed || part.PayoutStatus == models.PayoutProcessing {
					todo = append(todo, work{id: c.ID, retry: true})
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	var errs []error
	for _, w := range todo {
		var err error
		switch {
		case w.settle:
			_, err = s.settler.DistributePot(ctx, w.id, false)
		case w.retry:
			_, err = s.settler.RetryFailedPayouts(ctx, w.id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("settle %s: %w", w.id, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}
