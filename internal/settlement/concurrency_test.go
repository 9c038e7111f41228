package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models/events"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/payments"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// slowProcessor holds every payout long enough for concurrent settlement
// calls to overlap, and counts the payouts per user.
type slowProcessor struct {
	*payments.Sandbox
	delay time.Duration

	mu    sync.Mutex
	calls map[string]int
}

func newSlowProcessor(delay time.Duration) *slowProcessor {
	return &slowProcessor{Sandbox: payments.NewSandbox(), delay: delay, calls: make(map[string]int)}
}

func (s *slowProcessor) Payout(ctx context.Context, userID string, amount decimal.Decimal, challengeID string) (string, error) {
	s.mu.Lock()
	s.calls[userID]++
	s.mu.Unlock()
	time.Sleep(s.delay)
	return s.Sandbox.Payout(ctx, userID, amount, challengeID)
}

func (s *slowProcessor) callsFor(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[userID]
}

func (f *fixture) distributedEvents() int {
	n := 0
	for _, p := range f.recorder.Published() {
		if _, ok := p.Event.(events.PotDistributed); ok {
			n++
		}
	}
	return n
}

func TestConcurrentDistributePaysEachWinnerOnce(t *testing.T) {
	f := newFixture(t)
	f.join(t, won("alice", "10"), won("bob", "10"), won("carol", "10"), lost("dave", "10"))
	slow := newSlowProcessor(20 * time.Millisecond)
	f.engine.payments = slow

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.DistributePot(context.Background(), "c1", true)
		}(i)
	}
	wg.Wait()

	completed, paid := 0, 0
	for i := range results {
		require.NoError(t, errs[i])
		paid += results[i].Paid
		if results[i].Completed {
			completed++
		}
	}
	require.Equal(t, 1, completed)
	require.Equal(t, 3, paid)

	for _, u := range []string{"alice", "bob", "carol"} {
		require.Equal(t, 1, slow.callsFor(u), u)
		require.True(t, f.paidOut(t, u).Equal(d("9.33")), u)
		require.Equal(t, models.PayoutPaid, f.participant(t, u).PayoutStatus)
	}
	require.Zero(t, slow.callsFor("dave"))
	require.Equal(t, 3, slow.PayoutCount())
	require.Equal(t, 1, f.distributedEvents())

	status, err := f.pots.GetStatus(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, models.PotCompleted, status.Status)
}

func TestRetryRacingDistributeDoesNotDoublePay(t *testing.T) {
	f := newFixture(t)
	f.join(t, won("alice", "10"), won("bob", "10"), lost("carol", "10"))
	f.sandbox.FailPayoutsFor("alice", true)

	_, err := f.engine.DistributePot(context.Background(), "c1", true)
	require.NoError(t, err)
	require.Equal(t, models.PayoutFailed, f.participant(t, "alice").PayoutStatus)

	slow := newSlowProcessor(20 * time.Millisecond)
	f.engine.payments = slow

	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = f.engine.RetryFailedPayouts(context.Background(), "c1")
			} else {
				_, errs[i] = f.engine.DistributePot(context.Background(), "c1", true)
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, slow.callsFor("alice"))
	require.Zero(t, slow.callsFor("bob"))
	require.True(t, f.paidOut(t, "alice").Equal(d("10.50")))
	require.Equal(t, models.PayoutPaid, f.participant(t, "alice").PayoutStatus)
	require.Equal(t, 1, f.distributedEvents())
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	f := newFixture(t)
	f.join(t, won("alice", "10"), won("bob", "10"), lost("carol", "10"))
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	f.engine.SetClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := f.engine.prepare(ctx, "c1", true)
	require.NoError(t, err)
	// a caller claimed alice and then went away
	claimed, err := f.engine.claim(ctx, "c1", payout{userID: "alice", amount: d("10.50"), from: models.PayoutPending})
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := f.engine.DistributePot(ctx, "c1", true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Paid)
	require.Equal(t, 1, res.InFlight)
	require.False(t, res.Completed)
	require.Equal(t, models.PayoutProcessing, f.participant(t, "alice").PayoutStatus)
	require.Zero(t, f.distributedEvents())
	status, err := f.pots.GetStatus(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, models.PotDistributing, status.Status)

	now = now.Add(claimTimeout)
	res, err = f.engine.DistributePot(ctx, "c1", true)
	require.NoError(t, err)
	require.Equal(t, OutcomeResumed, res.Outcome)
	require.Equal(t, 1, res.Paid)
	require.True(t, res.Completed)
	require.True(t, f.paidOut(t, "alice").Equal(d("10.50")))
	require.Equal(t, 2, f.sandbox.PayoutCount())
	require.Equal(t, 1, f.distributedEvents())
}

func TestPaidOutShareLeavesWallet(t *testing.T) {
	f := newFixture(t)
	f.join(t, won("alice", "10"), won("bob", "10"), lost("carol", "10"))

	_, err := f.engine.DistributePot(context.Background(), "c1", true)
	require.NoError(t, err)

	require.True(t, f.balance(t, "alice").IsZero())
	history, err := f.ledger.History(context.Background(), "alice", 0)
	require.NoError(t, err)
	var withdrawal *models.LedgerTransaction
	for i := range history {
		if history[i].Type == models.TxWithdrawal {
			withdrawal = &history[i]
		}
	}
	require.NotNil(t, withdrawal)
	require.Equal(t, WithdrawalReference("c1", "alice"), withdrawal.Reference)
	require.True(t, withdrawal.Amount.Equal(d("-10.50")), withdrawal.Amount.String())
	require.Equal(t, f.participant(t, "alice").PayoutReference, withdrawal.Metadata["transfer_id"])
}
