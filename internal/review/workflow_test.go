package review

import (
	"context"
	"errors"
	"testing"
	"time"

	evmemory "github.com/sheikh-saqib/challenge-escrow-ledger/internal/events/memory"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/ledger"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models/events"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/payments"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/pot"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/settlement"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store    *memory.MemoryLedgerStore
	ledger   *ledger.Ledger
	recorder *evmemory.Recorder
	workflow *Workflow
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	log := logging.Discard()
	store := memory.NewMemoryLedgerStore()
	h := &harness{
		store:    store,
		ledger:   ledger.NewLedger(store, ledger.WithLogger(log)),
		recorder: evmemory.NewRecorder(log),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	pots := pot.NewManager(store, decimal.NewFromInt(30), log)
	engine := settlement.NewEngine(settlement.Dependencies{
		Store:    store,
		Ledger:   h.ledger,
		Pots:     pots,
		Payments: payments.NewSandbox(),
		Events:   h.recorder,
		Notifier: h.recorder,
		Log:      log,
	})
	h.workflow = NewWorkflow(Dependencies{
		Store:    store,
		Settler:  engine,
		Intents:  memory.NewIntentStore(),
		Events:   h.recorder,
		Notifier: h.recorder,
		Log:      log,
	})
	h.workflow.SetClock(func() time.Time { return h.now })

	require.NoError(t, store.Atomic(ctx, func(tx interfaces.Tx) error {
		return tx.InsertChallenge(ctx, models.Challenge{
			ID:           "c1",
			EntryFee:     decimal.NewFromInt(10),
			TotalPeriods: 1,
			Status:       models.ChallengeEnded,
		})
	}))
	for i, u := range []string{"alice", "bob", "carol"} {
		_, err := pots.AddInvestment(ctx, "c1", u, decimal.NewFromInt(10))
		require.NoError(t, err)
		require.NoError(t, store.Atomic(ctx, func(tx interfaces.Tx) error {
			return tx.SaveParticipant(ctx, models.Participant{
				ChallengeID:          "c1",
				UserID:               u,
				Status:               models.ParticipantCompleted,
				InvestmentAmount:     decimal.NewFromInt(10),
				ForfeitedAmount:      decimal.Zero,
				PayoutAmount:         decimal.Zero,
				CompletionPercentage: 100,
				JoinedAt:             h.now.Add(time.Duration(i) * time.Second),
			})
		}))
	}
	return h
}

func (h *harness) challenge(t *testing.T) models.Challenge {
	t.Helper()
	var c models.Challenge
	require.NoError(t, h.store.Atomic(context.Background(), func(tx interfaces.Tx) error {
		var err error
		c, err = tx.GetChallenge(context.Background(), "c1")
		return err
	}))
	return c
}

func (h *harness) balance(t *testing.T, owner string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	return b
}

// paidOut sums the payout credits posted to owner's wallet.
func (h *harness) paidOut(t *testing.T, owner string) decimal.Decimal {
	t.Helper()
	history, err := h.ledger.History(context.Background(), owner, 0)
	require.NoError(t, err)
	total := decimal.Zero
	for _, txn := range history {
		if txn.Type == models.TxPayout {
			total = total.Add(txn.Amount)
		}
	}
	return total
}

func TestMarkPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.workflow.MarkPending(ctx, "c1"))
	require.NoError(t, h.workflow.MarkPending(ctx, "c1"))
	require.Equal(t, models.ApprovalPending, h.challenge(t).ApprovalStatus)

	require.ErrorIs(t, h.workflow.MarkPending(ctx, "missing"), models.ErrNotFound)
}

func TestInvalidateThenApproveExcludesParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.workflow.MarkPending(ctx, "c1"))

	part, err := h.workflow.InvalidateSubmission(ctx, "c1", "carol", "admin-1", "stock photo")
	require.NoError(t, err)
	require.True(t, part.IsInvalid)
	require.Equal(t, "admin-1", part.InvalidatedBy)
	require.NotNil(t, part.InvalidatedAt)
	require.Equal(t, models.ApprovalPending, h.challenge(t).ApprovalStatus)

	res, err := h.workflow.ApproveAfterInvalidation(ctx, "c1", "admin-1", "one bad photo")
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeSplit, res.Outcome)

	c := h.challenge(t)
	require.Equal(t, models.ApprovalApproved, c.ApprovalStatus)
	require.Equal(t, "admin-1", c.ReviewedBy)
	require.Equal(t, "one bad photo", c.ReviewNotes)

	require.True(t, h.paidOut(t, "alice").Equal(decimal.RequireFromString("10.50")))
	require.True(t, h.paidOut(t, "carol").IsZero())
	require.True(t, h.balance(t, models.PlatformOwner).Equal(decimal.NewFromInt(9)))

	var invalidated bool
	for _, n := range h.recorder.Notifications() {
		if n.UserID == "carol" && n.EventType == events.NotifySubmissionInvalidated {
			invalidated = true
		}
	}
	require.True(t, invalidated)
}

func TestInvalidateRequiresPendingAndReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.workflow.InvalidateSubmission(ctx, "c1", "carol", "admin-1", "late")
	require.ErrorIs(t, err, models.ErrInvalidStateTransition)

	require.NoError(t, h.workflow.MarkPending(ctx, "c1"))
	_, err = h.workflow.InvalidateSubmission(ctx, "c1", "carol", "admin-1", "  ")
	require.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = h.workflow.InvalidateSubmission(ctx, "c1", "mallory", "admin-1", "late")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestVerifyAllSettlesEveryoneWon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.workflow.MarkPending(ctx, "c1"))

	res, err := h.workflow.VerifyAll(ctx, "c1", "admin-1", "")
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeEveryoneWon, res.Outcome)
	require.True(t, h.paidOut(t, "bob").Equal(decimal.NewFromInt(10)))

	// approved is terminal
	_, err = h.workflow.VerifyAll(ctx, "c1", "admin-1", "")
	require.ErrorIs(t, err, models.ErrInvalidStateTransition)
	_, err = h.workflow.RequestRejection(ctx, "c1", "admin-1")
	require.ErrorIs(t, err, models.ErrInvalidStateTransition)
	require.ErrorIs(t, h.workflow.MarkPending(ctx, "c1"), models.ErrInvalidStateTransition)
}

func TestTwoPhaseRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.workflow.MarkPending(ctx, "c1"))

	intent, err := h.workflow.RequestRejection(ctx, "c1", "admin-1")
	require.NoError(t, err)
	require.Equal(t, h.now.Add(DefaultIntentTTL), intent.ExpiresAt)

	require.ErrorIs(t, h.workflow.ConfirmRejection(ctx, "c1", "admin-1", ""), models.ErrInvalidInput)

	h.now = h.now.Add(4 * time.Minute)
	require.NoError(t, h.workflow.ConfirmRejection(ctx, "c1", "admin-1", "fraudulent entries"))

	c := h.challenge(t)
	require.Equal(t, models.ApprovalRejected, c.ApprovalStatus)
	require.Equal(t, "fraudulent entries", c.RejectionReason)
	require.Equal(t, "admin-1", c.ReviewedBy)

	// intent is consumed
	require.ErrorIs(t, h.workflow.ConfirmRejection(ctx, "c1", "admin-1", "again"), models.ErrIntentNotFound)
	// no money moved
	require.True(t, h.balance(t, models.PlatformOwner).IsZero())
}

func TestRejectIntentExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.workflow.MarkPending(ctx, "c1"))

	require.ErrorIs(t, h.workflow.ConfirmRejection(ctx, "c1", "admin-1", "why"), models.ErrIntentNotFound)

	_, err := h.workflow.RequestRejection(ctx, "c1", "admin-1")
	require.NoError(t, err)

	err = h.workflow.ConfirmRejection(ctx, "c1", "admin-2", "why")
	require.ErrorIs(t, err, models.ErrIntentNotFound)
	require.True(t, IsIntentError(err))

	h.now = h.now.Add(DefaultIntentTTL + time.Second)
	require.ErrorIs(t, h.workflow.ConfirmRejection(ctx, "c1", "admin-1", "why"), models.ErrIntentExpired)

	// state untouched by the failed confirmations
	c := h.challenge(t)
	require.Equal(t, models.ApprovalPending, c.ApprovalStatus)
	require.Empty(t, c.RejectionReason)
	require.Nil(t, c.ReviewedAt)
}

func TestNotifierFailureDoesNotBlockReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.recorder.FailNotifications(errors.New("push gateway down"))
	require.NoError(t, h.workflow.MarkPending(ctx, "c1"))

	_, err := h.workflow.InvalidateSubmission(ctx, "c1", "carol", "admin-1", "blurry")
	require.NoError(t, err)
	_, err = h.workflow.ApproveAfterInvalidation(ctx, "c1", "admin-1", "")
	require.NoError(t, err)
	require.Equal(t, models.ApprovalApproved, h.challenge(t).ApprovalStatus)
}
