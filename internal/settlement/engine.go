// Package settlement closes a challenge pot: it splits the pot between
// winners and the platform and pays each winner through the ledger.
//
// Settlement runs in three phases. Bookkeeping (platform fee, winner marks,
// pot -> distributing) commits as one unit of work. Each winner is then paid
// in a unit of work of its own, so one failed payout never blocks the rest.
// Finally the pot is marked completed. A call that finds the pot still
// distributing resumes with the payouts left pending.
//
// Before calling the payment processor a caller claims the payout by moving
// it to processing under the participant row lock. Overlapping calls skip
// payouts another caller holds, and only the caller that finds no payout in
// flight completes the pot. A claim older than claimTimeout is treated as
// abandoned and may be taken over.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/ledger"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/metrics"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models/events"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/pot"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// claimTimeout is how long a payout may sit in processing before another
// caller takes it over.
const claimTimeout = 10 * time.Minute

type Outcome string

const (
	OutcomeNoWinners   Outcome = "no_winners"
	OutcomeEveryoneWon Outcome = "everyone_won"
	OutcomeSplit       Outcome = "split"
	OutcomeResumed     Outcome = "resumed"
	OutcomeRetried     Outcome = "retried"
)

// Result summarizes one DistributePot call.
type Result struct {
	ChallengeID     string          `json:"challenge_id"`
	Outcome         Outcome         `json:"outcome,omitempty"`
	AlreadySettled  bool            `json:"already_settled"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Winners         int             `json:"winners"`
	PayoutPerWinner decimal.Decimal `json:"payout_per_winner"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	Residue         decimal.Decimal `json:"residue"`
	Paid            int             `json:"paid"`
	Failed          int             `json:"failed"`
	InFlight        int             `json:"in_flight"` // held by another caller
	Completed       bool            `json:"completed"`
}

type Dependencies struct {
	Store    interfaces.Store
	Ledger   *ledger.Ledger
	Pots     *pot.Manager
	Payments interfaces.PaymentProcessor
	Events   interfaces.EventPublisher
	Notifier interfaces.Notifier
	Log      logrus.FieldLogger
}

type Engine struct {
	store    interfaces.Store
	ledger   *ledger.Ledger
	pots     *pot.Manager
	payments interfaces.PaymentProcessor
	events   interfaces.EventPublisher
	notifier interfaces.Notifier
	log      logrus.FieldLogger
	nowFn    func() time.Time
}

func NewEngine(deps Dependencies) *Engine {
	return &Engine{
		store:    deps.Store,
		ledger:   deps.Ledger,
		pots:     deps.Pots,
		payments: deps.Payments,
		events:   deps.Events,
		notifier: deps.Notifier,
		log:      logging.OrBase(deps.Log),
		nowFn:    time.Now,
	}
}

func (e *Engine) SetClock(now func() time.Time) { e.nowFn = now }

// FeeReference, ResidueReference and PayoutReference are the ledger
// idempotency keys settlement posts under.
func FeeReference(challengeID string) string { return "fee:" + challengeID }
func ResidueReference(challengeID string) string { return "residue:" + challengeID }
func PayoutReference(challengeID, userID string) string {
	return "payout:" + challengeID + ":" + userID
}

// WithdrawalReference keys the debit that moves a paid-out share off the
// winner's wallet once the processor transfer succeeded.
func WithdrawalReference(challengeID, userID string) string {
	return "withdrawal:" + challengeID + ":" + userID
}

type payout struct {
	userID string
	amount decimal.Decimal
	from   models.PayoutStatus
}

type payState int

const (
	payPaid payState = iota
	payFailed
	paySkipped
)

type plan struct {
	result  Result
	payouts []payout
}

// DistributePot settles the pot of challengeID. Unless skipApprovalCheck is
// set the challenge must be approved. Calling it on a completed pot is a
// no-op reported through Result.AlreadySettled.
func (e *Engine) DistributePot(ctx context.Context, challengeID string, skipApprovalCheck bool) (Result, error) {
	log := e.log.WithField("challenge_id", challengeID)

	pl, err := e.prepare(ctx, challengeID, skipApprovalCheck)
	if errors.Is(err, models.ErrAlreadySettled) {
		log.Info("pot already settled")
		return Result{ChallengeID: challengeID, AlreadySettled: true}, nil
	}
	if err != nil {
		return Result{}, err
	}

	res := pl.result
	e.payAll(ctx, challengeID, pl.payouts, &res)

	res.Completed, err = e.complete(ctx, challengeID)
	if err != nil {
		return res, fmt.Errorf("complete pot %s: %w", challengeID, err)
	}
	if !res.Completed {
		log.WithField("in_flight", res.InFlight).Info("pot not completed by this call")
		return res, nil
	}

	metrics.Settlements.WithLabelValues(string(res.Outcome)).Inc()
	log.WithFields(logrus.Fields{
		"outcome": res.Outcome,
		"winners": res.Winners,
		"paid":    res.Paid,
		"failed":  res.Failed,
		"fee":     res.PlatformFee.String(),
	}).Info("pot distributed")

	e.publish(ctx, events.PotDistributed{
		ChallengeID:     challengeID,
		Outcome:         string(res.Outcome),
		TotalAmount:     res.TotalAmount,
		PlatformFee:     res.PlatformFee,
		Residue:         res.Residue,
		PayoutPerWinner: res.PayoutPerWinner,
		Winners:         res.Winners,
		FailedPayouts:   res.Failed,
		OccurredAt:      e.nowFn(),
	})
	return res, nil
}

func (e *Engine) prepare(ctx context.Context, challengeID string, skipApprovalCheck bool) (plan, error) {
	var pl plan
	err := e.store.Atomic(ctx, func(tx interfaces.Tx) error {
		pl = plan{result: Result{
			ChallengeID:     challengeID,
			PayoutPerWinner: decimal.Zero,
			PlatformFee:     decimal.Zero,
			Residue:         decimal.Zero,
		}}

		p, err := tx.LockPot(ctx, challengeID)
		if err != nil {
			return fmt.Errorf("pot %s: %w", challengeID, err)
		}
		if p.Status == models.PotCompleted {
			return models.ErrAlreadySettled
		}
		pl.result.TotalAmount = p.TotalAmount
		if !skipApprovalCheck {
			challenge, err := tx.GetChallenge(ctx, challengeID)
			if err != nil {
				return fmt.Errorf("challenge %s: %w", challengeID, err)
			}
			if challenge.ApprovalStatus != models.ApprovalApproved {
				return fmt.Errorf("challenge %s is not approved (%q): %w", challengeID, challenge.ApprovalStatus, models.ErrInvalidStateTransition)
			}
		}

		participants, err := tx.LockParticipants(ctx, challengeID)
		if err != nil {
			return err
		}

		if p.Status == models.PotDistributing {
			pl.result.Outcome = OutcomeResumed
			for _, part := range participants {
				if !part.IsWinner {
					continue
				}
				if part.PayoutStatus == models.PayoutPending || part.PayoutStatus == models.PayoutProcessing {
					pl.payouts = append(pl.payouts, payout{userID: part.UserID, amount: part.PayoutAmount, from: part.PayoutStatus})
					pl.result.Winners++
				}
			}
			return nil
		}
		return e.book(ctx, tx, p, participants, &pl)
	})
	return pl, err
}

// book applies the bookkeeping phase: platform credits, winner marks and the
// pot moving to distributing.
func (e *Engine) book(ctx context.Context, tx interfaces.Tx, p models.ChallengePot, participants []models.Participant, pl *plan) error {
	var entrants, winners []models.Participant
	for _, part := range participants {
		if part.Status == models.ParticipantLeft {
			continue
		}
		entrants = append(entrants, part)
		if part.IsWinnerCandidate() {
			winners = append(winners, part)
		}
	}

	res := &pl.result
	res.Winners = len(winners)
	amounts := make(map[string]decimal.Decimal, len(winners))

	switch {
	case len(winners) == 0:
		// nobody qualified: the platform keeps the whole pot
		res.Outcome = OutcomeNoWinners
		res.PlatformFee = p.TotalAmount
		if err := e.creditPlatform(ctx, tx, p.ChallengeID, p.TotalAmount, FeeReference(p.ChallengeID)); err != nil {
			return err
		}

	case len(winners) == len(entrants):
		// nobody forfeited: every stake goes back untouched
		res.Outcome = OutcomeEveryoneWon
		for _, w := range winners {
			amounts[w.UserID] = w.InvestmentAmount
		}

	default:
		res.Outcome = OutcomeSplit
		n := decimal.NewFromInt(int64(len(winners)))
		per := p.WinnersPot.Div(n).RoundDown(2)
		res.PayoutPerWinner = per
		res.PlatformFee = p.PlatformFeeAmount
		res.Residue = p.WinnersPot.Sub(per.Mul(n))
		if err := e.creditPlatform(ctx, tx, p.ChallengeID, p.PlatformFeeAmount, FeeReference(p.ChallengeID)); err != nil {
			return err
		}
		if err := e.creditPlatform(ctx, tx, p.ChallengeID, res.Residue, ResidueReference(p.ChallengeID)); err != nil {
			return err
		}
		for _, w := range winners {
			amounts[w.UserID] = per
		}
	}

	now := e.nowFn()
	for _, part := range entrants {
		amount, won := amounts[part.UserID]
		part.IsWinner = won
		if won {
			part.PayoutAmount = amount
			part.PayoutStatus = models.PayoutPending
			pl.payouts = append(pl.payouts, payout{userID: part.UserID, amount: amount, from: models.PayoutPending})
		} else {
			part.PayoutAmount = decimal.Zero
			part.PayoutStatus = models.PayoutNone
		}
		part.UpdatedAt = now
		if err := tx.SaveParticipant(ctx, part); err != nil {
			return err
		}
	}

	_, err := e.pots.MarkDistributingTx(ctx, tx, p.ChallengeID)
	return err
}

func (e *Engine) creditPlatform(ctx context.Context, tx interfaces.Tx, challengeID string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return nil
	}
	_, err := e.ledger.CreditTx(ctx, tx, models.PlatformOwner, amount, models.TxFee, ledger.Ref{
		ChallengeID: challengeID,
		Reference:   reference,
	})
	if err != nil {
		return fmt.Errorf("credit platform %s: %w", reference, err)
	}
	return nil
}

func (e *Engine) payAll(ctx context.Context, challengeID string, payouts []payout, res *Result) {
	for _, p := range payouts {
		switch e.payOne(ctx, challengeID, p) {
		case payPaid:
			res.Paid++
		case payFailed:
			res.Failed++
		case paySkipped:
			res.InFlight++
		}
	}
}

// stale reports whether part holds a processing claim old enough to take over.
func (e *Engine) stale(part models.Participant) bool {
	return part.PayoutStatus == models.PayoutProcessing && e.nowFn().Sub(part.UpdatedAt) >= claimTimeout
}

// claim moves p to processing. It reports false when the payout is no longer
// in the state it was collected in, which means another caller holds it or
// already settled it.
func (e *Engine) claim(ctx context.Context, challengeID string, p payout) (bool, error) {
	claimed := false
	err := e.store.Atomic(ctx, func(tx interfaces.Tx) error {
		claimed = false
		part, err := tx.GetParticipant(ctx, challengeID, p.userID)
		if err != nil {
			return err
		}
		if !part.IsWinner {
			return nil
		}
		fresh := part.PayoutStatus == p.from && p.from != models.PayoutProcessing
		if !fresh && !e.stale(part) {
			return nil
		}
		part.PayoutStatus = models.PayoutProcessing
		part.UpdatedAt = e.nowFn()
		if err := tx.SaveParticipant(ctx, part); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// payOne claims one winner's share, transfers it and records the outcome on
// the participant.
func (e *Engine) payOne(ctx context.Context, challengeID string, p payout) payState {
	log := e.log.WithFields(logrus.Fields{
		"challenge_id": challengeID,
		"user_id":      p.userID,
		"amount":       p.amount.String(),
	})

	claimed, err := e.claim(ctx, challengeID, p)
	if err != nil {
		// left as it was, a later resume picks it up
		log.WithError(err).Error("claiming payout")
		return payFailed
	}
	if !claimed {
		log.Debug("payout held by another caller")
		return paySkipped
	}

	if p.amount.IsPositive() {
		var transferID string
		transferID, err = e.payments.Payout(ctx, p.userID, p.amount, challengeID)
		if err != nil {
			err = fmt.Errorf("%w: %v", models.ErrExternalPaymentFailure, err)
		} else {
			err = e.store.Atomic(ctx, func(tx interfaces.Tx) error {
				return e.recordTransfer(ctx, tx, challengeID, p, transferID)
			})
		}
	} else {
		err = e.store.Atomic(ctx, func(tx interfaces.Tx) error {
			return e.markPayout(ctx, tx, challengeID, p.userID, models.PayoutPaid, "")
		})
	}

	if err != nil {
		log.WithError(err).Warn("winner payout failed")
		metrics.Payouts.WithLabelValues(string(models.PayoutFailed)).Inc()
		markErr := e.store.Atomic(ctx, func(tx interfaces.Tx) error {
			return e.markPayout(ctx, tx, challengeID, p.userID, models.PayoutFailed, "")
		})
		if markErr != nil {
			log.WithError(markErr).Error("recording failed payout")
		}
		e.publish(ctx, events.PayoutFailed{
			ChallengeID: challengeID,
			UserID:      p.userID,
			Amount:      p.amount,
			Reason:      err.Error(),
			OccurredAt:  e.nowFn(),
		})
		e.notify(ctx, p.userID, events.NotifyPayoutFailed)
		return payFailed
	}

	metrics.Payouts.WithLabelValues(string(models.PayoutPaid)).Inc()
	log.Info("winner paid")
	e.notify(ctx, p.userID, events.NotifyPayoutPaid)
	return payPaid
}

// recordTransfer books a completed processor transfer: the winner's share is
// credited as a payout and debited again as the withdrawal the transfer
// made, so the wallet ends where it started.
func (e *Engine) recordTransfer(ctx context.Context, tx interfaces.Tx, challengeID string, p payout, transferID string) error {
	meta := map[string]string{"transfer_id": transferID}
	_, err := e.ledger.CreditTx(ctx, tx, p.userID, p.amount, models.TxPayout, ledger.Ref{
		ChallengeID: challengeID,
		Reference:   PayoutReference(challengeID, p.userID),
		Metadata:    meta,
	})
	if err != nil {
		return err
	}
	_, err = e.ledger.DebitTx(ctx, tx, p.userID, p.amount, models.TxWithdrawal, ledger.Ref{
		ChallengeID: challengeID,
		Reference:   WithdrawalReference(challengeID, p.userID),
		Metadata:    meta,
	})
	if err != nil {
		return err
	}
	return e.markPayout(ctx, tx, challengeID, p.userID, models.PayoutPaid, transferID)
}

// complete marks the pot completed unless a payout is still pending or
// claimed. It reports whether this call completed the pot.
func (e *Engine) complete(ctx context.Context, challengeID string) (bool, error) {
	completed := false
	err := e.store.Atomic(ctx, func(tx interfaces.Tx) error {
		completed = false
		p, err := tx.LockPot(ctx, challengeID)
		if err != nil {
			return err
		}
		if p.Status != models.PotDistributing {
			return nil
		}
		participants, err := tx.ListParticipants(ctx, challengeID)
		if err != nil {
			return err
		}
		for _, part := range participants {
			if part.IsWinner && (part.PayoutStatus == models.PayoutPending || part.PayoutStatus == models.PayoutProcessing) {
				return nil
			}
		}
		if _, err := e.pots.MarkCompletedTx(ctx, tx, challengeID); err != nil {
			return err
		}
		completed = true
		return nil
	})
	return completed, err
}

func (e *Engine) markPayout(ctx context.Context, tx interfaces.Tx, challengeID, userID string, status models.PayoutStatus, transferID string) error {
	part, err := tx.GetParticipant(ctx, challengeID, userID)
	if err != nil {
		return err
	}
	part.IsWinner = true
	part.PayoutStatus = status
	if transferID != "" {
		part.PayoutReference = transferID
	}
	part.UpdatedAt = e.nowFn()
	return tx.SaveParticipant(ctx, part)
}

// RetryFailedPayouts re-attempts every failed payout of a settled pot.
func (e *Engine) RetryFailedPayouts(ctx context.Context, challengeID string) (Result, error) {
	res := Result{
		ChallengeID:     challengeID,
		Outcome:         OutcomeRetried,
		TotalAmount:     decimal.Zero,
		PayoutPerWinner: decimal.Zero,
		PlatformFee:     decimal.Zero,
		Residue:         decimal.Zero,
	}
	var pending []payout
	err := e.store.Atomic(ctx, func(tx interfaces.Tx) error {
		pending = nil
		p, err := tx.LockPot(ctx, challengeID)
		if err != nil {
			return fmt.Errorf("pot %s: %w", challengeID, err)
		}
		if p.Status != models.PotCompleted && p.Status != models.PotDistributing {
			return fmt.Errorf("pot %s is %s: %w", challengeID, p.Status, models.ErrInvalidStateTransition)
		}
		participants, err := tx.ListParticipants(ctx, challengeID)
		if err != nil {
			return err
		}
		for _, part := range participants {
			if !part.IsWinner {
				continue
			}
			if part.PayoutStatus == models.PayoutFailed || e.stale(part) {
				pending = append(pending, payout{userID: part.UserID, amount: part.PayoutAmount, from: part.PayoutStatus})
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res.Winners = len(pending)
	e.payAll(ctx, challengeID, pending, &res)
	return res, nil
}

func (e *Engine) publish(ctx context.Context, event any) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, events.TopicSettlement, event); err != nil {
		e.log.WithError(err).Warnf("publishing %T", event)
	}
}

func (e *Engine) notify(ctx context.Context, userID, eventType string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, userID, eventType); err != nil {
		e.log.WithFields(logrus.Fields{"user_id": userID, "event_type": eventType}).WithError(err).Warn("notification failed")
	}
}
