// Package pot tracks the aggregated stake of each challenge. It records
// intent only; moving money is the ledger's job.
package pot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultFeePercentage applies when neither caller nor config sets one.
var DefaultFeePercentage = decimal.NewFromInt(30)

var hundred = decimal.NewFromInt(100)

type Manager struct {
	store         interfaces.Store
	defaultFeePct decimal.Decimal
	log           logrus.FieldLogger
	nowFn         func() time.Time
}

func NewManager(store interfaces.Store, defaultFeePct decimal.Decimal, log logrus.FieldLogger) *Manager {
	if defaultFeePct.IsZero() {
		defaultFeePct = DefaultFeePercentage
	}
	return &Manager{
		store:         store,
		defaultFeePct: defaultFeePct,
		log:           logging.OrBase(log),
		nowFn:         time.Now,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.nowFn = now }

// Recalculate derives the fee and winners' share from total. The fee is
// rounded to the cent and the winners' pot takes the remainder, so the two
// always add up to total.
func Recalculate(p *models.ChallengePot) {
	p.PlatformFeeAmount = p.TotalAmount.Mul(p.PlatformFeePercentage).Div(hundred).Round(2)
	p.WinnersPot = p.TotalAmount.Sub(p.PlatformFeeAmount)
}

// CreatePot returns the existing pot for challengeID, or creates one.
// feePct may be nil to use the default.
func (m *Manager) CreatePot(ctx context.Context, challengeID string, feePct *decimal.Decimal) (models.ChallengePot, error) {
	var pot models.ChallengePot
	err := m.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		pot, err = m.CreatePotTx(ctx, tx, challengeID, feePct)
		return err
	})
	return pot, err
}

func (m *Manager) CreatePotTx(ctx context.Context, tx interfaces.Tx, challengeID string, feePct *decimal.Decimal) (models.ChallengePot, error) {
	if challengeID == "" {
		return models.ChallengePot{}, models.ErrInvalidInput
	}
	existing, err := tx.LockPot(ctx, challengeID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.ChallengePot{}, err
	}

	pct := m.defaultFeePct
	if feePct != nil {
		pct = *feePct
	}
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return models.ChallengePot{}, fmt.Errorf("fee percentage %s: %w", pct, models.ErrInvalidInput)
	}

	now := m.nowFn()
	pot := models.ChallengePot{
		ID:                    uuid.NewString(),
		ChallengeID:           challengeID,
		TotalAmount:           decimal.Zero,
		PlatformFeePercentage: pct,
		Status:                models.PotCollecting,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	Recalculate(&pot)
	if err := tx.InsertPot(ctx, pot); err != nil {
		return models.ChallengePot{}, err
	}
	m.log.WithField("challenge_id", challengeID).Info("pot created")
	return pot, nil
}

// AddInvestment grows the pot, creating it on the first stake.
func (m *Manager) AddInvestment(ctx context.Context, challengeID, userID string, amount decimal.Decimal) (models.ChallengePot, error) {
	var pot models.ChallengePot
	err := m.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		pot, err = m.AddInvestmentTx(ctx, tx, challengeID, userID, amount)
		return err
	})
	return pot, err
}

func (m *Manager) AddInvestmentTx(ctx context.Context, tx interfaces.Tx, challengeID, userID string, amount decimal.Decimal) (models.ChallengePot, error) {
	if !amount.IsPositive() {
		return models.ChallengePot{}, models.ErrInvalidAmount
	}
	pot, err := m.CreatePotTx(ctx, tx, challengeID, nil)
	if err != nil {
		return models.ChallengePot{}, err
	}
	if err := checkOpen(pot); err != nil {
		return models.ChallengePot{}, err
	}
	pot.TotalAmount = pot.TotalAmount.Add(amount)
	return m.save(ctx, tx, pot, userID, amount)
}

// RemoveInvestment shrinks the pot, clamping the total at zero. The caller
// issues the matching wallet refund.
func (m *Manager) RemoveInvestment(ctx context.Context, challengeID, userID string, amount decimal.Decimal) (models.ChallengePot, error) {
	var pot models.ChallengePot
	err := m.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		pot, err = m.RemoveInvestmentTx(ctx, tx, challengeID, userID, amount)
		return err
	})
	return pot, err
}

func (m *Manager) RemoveInvestmentTx(ctx context.Context, tx interfaces.Tx, challengeID, userID string, amount decimal.Decimal) (models.ChallengePot, error) {
	if !amount.IsPositive() {
		return models.ChallengePot{}, models.ErrInvalidAmount
	}
	pot, err := tx.LockPot(ctx, challengeID)
	if err != nil {
		return models.ChallengePot{}, fmt.Errorf("pot %s: %w", challengeID, err)
	}
	if err := checkOpen(pot); err != nil {
		return models.ChallengePot{}, err
	}
	pot.TotalAmount = decimal.Max(decimal.Zero, pot.TotalAmount.Sub(amount))
	return m.save(ctx, tx, pot, userID, amount.Neg())
}

func (m *Manager) GetStatus(ctx context.Context, challengeID string) (models.ChallengePot, error) {
	var pot models.ChallengePot
	err := m.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		pot, err = tx.LockPot(ctx, challengeID)
		return err
	})
	return pot, err
}

// ActivateTx moves a collecting pot to active once the challenge starts.
func (m *Manager) ActivateTx(ctx context.Context, tx interfaces.Tx, challengeID string) (models.ChallengePot, error) {
	return m.transition(ctx, tx, challengeID, models.PotActive, func(p models.ChallengePot) bool {
		return p.Status == models.PotCollecting
	})
}

// MarkDistributingTx records that settlement bookkeeping has been applied.
func (m *Manager) MarkDistributingTx(ctx context.Context, tx interfaces.Tx, challengeID string) (models.ChallengePot, error) {
	return m.transition(ctx, tx, challengeID, models.PotDistributing, func(p models.ChallengePot) bool {
		return p.Status == models.PotCollecting || p.Status == models.PotActive
	})
}

// MarkCompletedTx closes the pot. Completed is terminal.
func (m *Manager) MarkCompletedTx(ctx context.Context, tx interfaces.Tx, challengeID string) (models.ChallengePot, error) {
	return m.transition(ctx, tx, challengeID, models.PotCompleted, func(p models.ChallengePot) bool {
		return p.Status != models.PotCompleted
	})
}

func (m *Manager) transition(ctx context.Context, tx interfaces.Tx, challengeID string, to models.PotStatus, allowed func(models.ChallengePot) bool) (models.ChallengePot, error) {
	pot, err := tx.LockPot(ctx, challengeID)
	if err != nil {
		return models.ChallengePot{}, fmt.Errorf("pot %s: %w", challengeID, err)
	}
	if pot.Status == to {
		return pot, nil
	}
	if !allowed(pot) {
		if pot.Status == models.PotCompleted {
			return models.ChallengePot{}, models.ErrAlreadySettled
		}
		return models.ChallengePot{}, fmt.Errorf("pot %s %s -> %s: %w", challengeID, pot.Status, to, models.ErrInvalidStateTransition)
	}
	now := m.nowFn()
	pot.Status = to
	pot.UpdatedAt = now
	if to == models.PotCompleted {
		pot.DistributedAt = &now
	}
	if err := tx.UpdatePot(ctx, pot); err != nil {
		return models.ChallengePot{}, err
	}
	m.log.WithFields(logrus.Fields{"challenge_id": challengeID, "status": to}).Info("pot status changed")
	return pot, nil
}

func checkOpen(pot models.ChallengePot) error {
	switch pot.Status {
	case models.PotCollecting, models.PotActive:
		return nil
	case models.PotCompleted:
		return models.ErrAlreadySettled
	default:
		return fmt.Errorf("pot %s is %s: %w", pot.ChallengeID, pot.Status, models.ErrInvalidStateTransition)
	}
}

func (m *Manager) save(ctx context.Context, tx interfaces.Tx, pot models.ChallengePot, userID string, delta decimal.Decimal) (models.ChallengePot, error) {
	Recalculate(&pot)
	pot.UpdatedAt = m.nowFn()
	if err := tx.UpdatePot(ctx, pot); err != nil {
		return models.ChallengePot{}, err
	}
	m.log.WithFields(logrus.Fields{
		"challenge_id": pot.ChallengeID,
		"user_id":      userID,
		"delta":        delta.String(),
		"total":        pot.TotalAmount.String(),
	}).Debug("pot stake changed")
	return pot, nil
}
