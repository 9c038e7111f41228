package proof

import (
	"context"
	"testing"
	"time"

	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed(t *testing.T, store interfaces.Store, unit string, users ...string) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Atomic(context.Background(), func(tx interfaces.Tx) error {
		err := tx.InsertChallenge(context.Background(), models.Challenge{
			ID:           "c1",
			EntryFee:     d("10"),
			ForfeitUnit:  d(unit),
			TotalPeriods: 3,
			StartsAt:     start,
			EndsAt:       start.Add(72 * time.Hour),
			Status:       models.ChallengeActive,
		})
		if err != nil {
			return err
		}
		for i, u := range users {
			err := tx.SaveParticipant(context.Background(), models.Participant{
				ChallengeID:      "c1",
				UserID:           u,
				Status:           models.ParticipantActive,
				InvestmentAmount: d("10"),
				ForfeitedAmount:  decimal.Zero,
				JoinedAt:         start.Add(-time.Duration(len(users)-i) * time.Minute),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func participant(t *testing.T, store interfaces.Store, user string) models.Participant {
	t.Helper()
	var p models.Participant
	require.NoError(t, store.Atomic(context.Background(), func(tx interfaces.Tx) error {
		var err error
		p, err = tx.GetParticipant(context.Background(), "c1", user)
		return err
	}))
	return p
}

func TestRecordProofUpdatesCompletion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryLedgerStore()
	seed(t, store, "10", "alice")
	tr := NewTracker(store, d("10"), logging.Discard())

	rec, err := tr.RecordProof(ctx, "c1", "alice", 1, true, "img_1")
	require.NoError(t, err)
	require.True(t, rec.HasProof)
	require.Equal(t, 33, participant(t, store, "alice").CompletionPercentage)

	// upsert on the same period does not double count
	_, err = tr.RecordProof(ctx, "c1", "alice", 1, true, "img_1b")
	require.NoError(t, err)
	require.Equal(t, 33, participant(t, store, "alice").CompletionPercentage)

	_, err = tr.RecordProof(ctx, "c1", "alice", 2, true, "")
	require.NoError(t, err)
	_, err = tr.RecordProof(ctx, "c1", "alice", 3, true, "")
	require.NoError(t, err)
	require.Equal(t, 100, participant(t, store, "alice").CompletionPercentage)

	_, err = tr.RecordProof(ctx, "c1", "alice", 4, true, "")
	require.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = tr.RecordProof(ctx, "c1", "mallory", 1, true, "")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestForfeitureMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryLedgerStore()
	seed(t, store, "10", "alice", "bob")
	tr := NewTracker(store, d("10"), logging.Discard())

	_, err := tr.RecordProof(ctx, "c1", "alice", 1, true, "")
	require.NoError(t, err)
	_, err = tr.RecordProof(ctx, "c1", "alice", 2, true, "")
	require.NoError(t, err)

	total := tr.CalculateForfeitures(ctx, "c1", 1)
	require.True(t, total.Equal(d("5")), total.String())
	bob := participant(t, store, "bob")
	require.Equal(t, 1, bob.DaysMissed)
	require.True(t, bob.ForfeitedAmount.Equal(d("5")))

	total = tr.CalculateForfeitures(ctx, "c1", 2)
	require.True(t, total.Equal(d("5")))
	bob = participant(t, store, "bob")
	require.Equal(t, 2, bob.DaysMissed)
	require.True(t, bob.ForfeitedAmount.Equal(d("10")))

	alice := participant(t, store, "alice")
	require.Zero(t, alice.DaysMissed)
	require.True(t, alice.ForfeitedAmount.IsZero())
}

func TestForfeitSamePeriodTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryLedgerStore()
	seed(t, store, "9", "alice", "bob", "carol")
	tr := NewTracker(store, d("10"), logging.Discard())

	first, err := tr.Forfeit(ctx, "c1", 1)
	require.NoError(t, err)
	require.True(t, first.Equal(d("9")))

	second, err := tr.Forfeit(ctx, "c1", 1)
	require.NoError(t, err)
	require.True(t, second.IsZero())

	for _, u := range []string{"alice", "bob", "carol"} {
		p := participant(t, store, u)
		require.Equal(t, 1, p.DaysMissed)
		require.True(t, p.ForfeitedAmount.Equal(d("3")))
	}

	// a forfeited period no longer accepts proof
	_, err = tr.RecordProof(ctx, "c1", "alice", 1, true, "late")
	require.ErrorIs(t, err, models.ErrInvalidStateTransition)
}

func TestForfeitCappedAtInvestment(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryLedgerStore()
	seed(t, store, "25", "alice")
	tr := NewTracker(store, d("10"), logging.Discard())

	total, err := tr.Forfeit(ctx, "c1", 1)
	require.NoError(t, err)
	require.True(t, total.Equal(d("10")))

	total, err = tr.Forfeit(ctx, "c1", 2)
	require.NoError(t, err)
	require.True(t, total.IsZero())

	p := participant(t, store, "alice")
	require.Equal(t, 2, p.DaysMissed)
	require.True(t, p.ForfeitedAmount.Equal(d("10")))
}

func TestCalculateForfeituresSwallowsErrors(t *testing.T) {
	store := memory.NewMemoryLedgerStore()
	tr := NewTracker(store, d("10"), logging.Discard())

	require.True(t, tr.CalculateForfeitures(context.Background(), "missing", 1).IsZero())

	_, err := tr.Forfeit(context.Background(), "missing", 1)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestCompletion(t *testing.T) {
	require.Equal(t, 0, completion(0, 0))
	require.Equal(t, 66, completion(2, 3))
	require.Equal(t, 100, completion(4, 3))
}
