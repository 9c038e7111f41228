// Package challenge is the participant-facing surface: creating challenges,
// joining and leaving them, and submitting proof. It also holds the periodic
// sweep that drives challenges through their lifecycle.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/ledger"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/pot"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/proof"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Dependencies struct {
	Store    interfaces.Store
	Ledger   *ledger.Ledger
	Pots     *pot.Manager
	Tracker  *proof.Tracker
	Payments interfaces.PaymentProcessor
	Log      logrus.FieldLogger
}

type Service struct {
	store    interfaces.Store
	ledger   *ledger.Ledger
	pots     *pot.Manager
	tracker  *proof.Tracker
	payments interfaces.PaymentProcessor
	log      logrus.FieldLogger
	nowFn    func() time.Time
}

func NewService(deps Dependencies) *Service {
	return &Service{
		store:    deps.Store,
		ledger:   deps.Ledger,
		pots:     deps.Pots,
		tracker:  deps.Tracker,
		payments: deps.Payments,
		log:      logging.OrBase(deps.Log),
		nowFn:    time.Now,
	}
}

func (s *Service) SetClock(now func() time.Time) { s.nowFn = now }

// NewChallenge is the input to CreateChallenge. PlatformFeePercentage nil
// means the pot default; a zero ForfeitUnit means the tracker default.
type NewChallenge struct {
	ID                    string           `json:"id"`
	Title                 string           `json:"title"`
	EntryFee              decimal.Decimal  `json:"entry_fee"`
	PlatformFeePercentage *decimal.Decimal `json:"platform_fee_percentage,omitempty"`
	ForfeitUnit           decimal.Decimal  `json:"forfeit_unit"`
	TotalPeriods          int              `json:"total_periods"`
	StartsAt              time.Time        `json:"starts_at"`
	EndsAt                time.Time        `json:"ends_at"`
}

func (n NewChallenge) validate() error {
	var problems []string
	if !n.EntryFee.IsPositive() {
		problems = append(problems, "entry_fee must be positive")
	}
	if n.ForfeitUnit.IsNegative() {
		problems = append(problems, "forfeit_unit must not be negative")
	}
	if n.TotalPeriods < 1 {
		problems = append(problems, "total_periods must be at least 1")
	}
	if !n.EndsAt.After(n.StartsAt) {
		problems = append(problems, "ends_at must be after starts_at")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), models.ErrInvalidInput)
	}
	return nil
}

// CreateChallenge registers a challenge together with its empty pot.
func (s *Service) CreateChallenge(ctx context.Context, in NewChallenge) (models.Challenge, error) {
	if err := in.validate(); err != nil {
		return models.Challenge{}, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	now := s.nowFn()
	c := models.Challenge{
		ID:           in.ID,
		Title:        in.Title,
		EntryFee:     in.EntryFee,
		ForfeitUnit:  in.ForfeitUnit,
		TotalPeriods: in.TotalPeriods,
		StartsAt:     in.StartsAt,
		EndsAt:       in.EndsAt,
		Status:       models.ChallengeUpcoming,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.Atomic(ctx, func(tx interfaces.Tx) error {
		p, err := s.pots.CreatePotTx(ctx, tx, c.ID, in.PlatformFeePercentage)
		if err != nil {
			return err
		}
		c.PlatformFeePercentage = p.PlatformFeePercentage
		if err := tx.InsertChallenge(ctx, c); err != nil {
			return fmt.Errorf("challenge %s: %w", c.ID, err)
		}
		return nil
	})
	if err != nil {
		return models.Challenge{}, err
	}
	s.log.WithFields(logrus.Fields{
		"challenge_id": c.ID,
		"entry_fee":    c.EntryFee.String(),
		"periods":      c.TotalPeriods,
	}).Info("challenge created")
	return c, nil
}

// View is a challenge with its pot and participants.
type View struct {
	Challenge    models.Challenge     `json:"challenge"`
	Pot          models.ChallengePot  `json:"pot"`
	Participants []models.Participant `json:"participants"`
}

func (s *Service) GetChallenge(ctx context.Context, id string) (View, error) {
	var v View
	err := s.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		if v.Challenge, err = tx.GetChallenge(ctx, id); err != nil {
			return fmt.Errorf("challenge %s: %w", id, err)
		}
		if v.Pot, err = tx.LockPot(ctx, id); err != nil {
			return fmt.Errorf("pot %s: %w", id, err)
		}
		v.Participants, err = tx.ListParticipants(ctx, id)
		return err
	})
	if err != nil {
		return View{}, err
	}
	return v, nil
}

// checkJoinable reports why userID may not join c right now.
func (s *Service) checkJoinable(ctx context.Context, tx interfaces.Tx, c models.Challenge, userID string) error {
	if c.Status != models.ChallengeUpcoming || !s.nowFn().Before(c.StartsAt) {
		return fmt.Errorf("challenge %s has started: %w", c.ID, models.ErrInvalidStateTransition)
	}
	existing, err := tx.GetParticipant(ctx, c.ID, userID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.Status != models.ParticipantLeft:
		return fmt.Errorf("%s already joined %s: %w", userID, c.ID, models.ErrInvalidStateTransition)
	}
	return nil
}

// Join charges the entry fee through the payment processor and moves it
// into the pot. The charge lands in the user's wallet as a deposit and is
// immediately staked, both under the charge reference. If the ledger step
// fails the charge is refunded.
//
// amount may be zero to stake the entry fee; any other amount must match it.
func (s *Service) Join(ctx context.Context, challengeID, userID string, amount decimal.Decimal) (models.Participant, error) {
	if userID == "" {
		return models.Participant{}, fmt.Errorf("user is required: %w", models.ErrInvalidInput)
	}

	var c models.Challenge
	err := s.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		if c, err = tx.GetChallenge(ctx, challengeID); err != nil {
			return fmt.Errorf("challenge %s: %w", challengeID, err)
		}
		return s.checkJoinable(ctx, tx, c, userID)
	})
	if err != nil {
		return models.Participant{}, err
	}
	if amount.IsZero() {
		amount = c.EntryFee
	}
	if !amount.Equal(c.EntryFee) {
		return models.Participant{}, fmt.Errorf("stake %s does not match entry fee %s: %w", amount, c.EntryFee, models.ErrInvalidAmount)
	}

	log := s.log.WithFields(logrus.Fields{"challenge_id": challengeID, "user_id": userID})
	chargeRef, err := s.payments.CreateEscrowCharge(ctx, userID, amount, challengeID)
	if err != nil {
		log.WithError(err).Warn("escrow charge failed")
		if !errors.Is(err, models.ErrExternalPaymentFailure) {
			err = fmt.Errorf("%w: %v", models.ErrExternalPaymentFailure, err)
		}
		return models.Participant{}, err
	}

	var part models.Participant
	err = s.store.Atomic(ctx, func(tx interfaces.Tx) error {
		c, err := tx.LockChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		if err := s.checkJoinable(ctx, tx, c, userID); err != nil {
			return err
		}
		ref := ledger.Ref{ChallengeID: challengeID, Reference: chargeRef}
		if _, err := s.ledger.CreditTx(ctx, tx, userID, amount, models.TxDeposit, ref); err != nil {
			return err
		}
		ref.Reference = StakeReference(chargeRef)
		if _, err := s.ledger.DebitTx(ctx, tx, userID, amount, models.TxChallengePayment, ref); err != nil {
			return err
		}
		if _, err := s.pots.AddInvestmentTx(ctx, tx, challengeID, userID, amount); err != nil {
			return err
		}

		now := s.nowFn()
		part = models.Participant{
			ChallengeID:      challengeID,
			UserID:           userID,
			Status:           models.ParticipantActive,
			InvestmentAmount: amount,
			EscrowReference:  chargeRef,
			ForfeitedAmount:  decimal.Zero,
			PayoutAmount:     decimal.Zero,
			JoinedAt:         now,
			UpdatedAt:        now,
		}
		return tx.SaveParticipant(ctx, part)
	})
	if err != nil {
		if _, refundErr := s.payments.Refund(ctx, chargeRef, nil); refundErr != nil {
			log.WithError(refundErr).WithField("charge", chargeRef).Error("refunding charge after failed join")
		} else {
			log.WithError(err).Warn("join failed, charge refunded")
		}
		return models.Participant{}, err
	}

	log.WithField("amount", amount.String()).Info("participant joined")
	return part, nil
}

// Leave withdraws an active participant before the challenge starts. The
// stake comes back to the user's wallet as a refund.
func (s *Service) Leave(ctx context.Context, challengeID, userID string) (models.Participant, error) {
	var part models.Participant
	err := s.store.Atomic(ctx, func(tx interfaces.Tx) error {
		c, err := tx.LockChallenge(ctx, challengeID)
		if err != nil {
			return fmt.Errorf("challenge %s: %w", challengeID, err)
		}
		if c.Status != models.ChallengeUpcoming || !s.nowFn().Before(c.StartsAt) {
			return fmt.Errorf("challenge %s has started: %w", challengeID, models.ErrInvalidStateTransition)
		}
		part, err = tx.GetParticipant(ctx, challengeID, userID)
		if err != nil {
			return fmt.Errorf("participant %s: %w", userID, err)
		}
		if part.Status != models.ParticipantActive {
			return fmt.Errorf("participant is %s: %w", part.Status, models.ErrInvalidStateTransition)
		}

		if _, err := s.pots.RemoveInvestmentTx(ctx, tx, challengeID, userID, part.InvestmentAmount); err != nil {
			return err
		}
		_, err = s.ledger.CreditTx(ctx, tx, userID, part.InvestmentAmount, models.TxRefund, ledger.Ref{
			ChallengeID: challengeID,
			Reference:   LeaveReference(part.EscrowReference),
		})
		if err != nil {
			return err
		}

		part.Status = models.ParticipantLeft
		part.UpdatedAt = s.nowFn()
		return tx.SaveParticipant(ctx, part)
	})
	if err != nil {
		return models.Participant{}, err
	}
	s.log.WithFields(logrus.Fields{"challenge_id": challengeID, "user_id": userID}).Info("participant left")
	return part, nil
}

// SubmitProof records proof for a period that has opened. Periods already
// forfeited are closed.
func (s *Service) SubmitProof(ctx context.Context, challengeID, userID string, period int, hasProof bool, submissionRef string) (models.ProofRecord, error) {
	var c models.Challenge
	err := s.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		c, err = tx.GetChallenge(ctx, challengeID)
		return err
	})
	if err != nil {
		return models.ProofRecord{}, fmt.Errorf("challenge %s: %w", challengeID, err)
	}

	now := s.nowFn()
	if c.Status != models.ChallengeActive || now.Before(c.StartsAt) || !now.Before(c.EndsAt) {
		return models.ProofRecord{}, fmt.Errorf("challenge %s is not accepting proof: %w", challengeID, models.ErrInvalidStateTransition)
	}
	if open := c.ElapsedPeriods(now) + 1; period > open {
		return models.ProofRecord{}, fmt.Errorf("period %d has not opened: %w", period, models.ErrInvalidInput)
	}
	return s.tracker.RecordProof(ctx, challengeID, userID, period, hasProof, submissionRef)
}

// StakeReference keys the challenge_payment debit of a join.
func StakeReference(chargeRef string) string { return "stake:" + chargeRef }

// LeaveReference keys the refund credit of a leave.
func LeaveReference(chargeRef string) string { return "leave:" + chargeRef }
