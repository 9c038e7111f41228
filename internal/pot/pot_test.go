package pot

import (
	"context"
	"testing"

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

func newTestManager() (*Manager, *memory.MemoryLedgerStore) {
	store := memory.NewMemoryLedgerStore()
	return NewManager(store, decimal.Zero, logging.Discard()), store
}

func requireConsistent(t *testing.T, p models.ChallengePot) {
	t.Helper()
	require.True(t, p.PlatformFeeAmount.Add(p.WinnersPot).Equal(p.TotalAmount),
		"fee %s + winners %s != total %s", p.PlatformFeeAmount, p.WinnersPot, p.TotalAmount)
	require.False(t, p.TotalAmount.IsNegative())
}

func TestCreatePotIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	first, err := m.CreatePot(ctx, "c1", nil)
	require.NoError(t, err)
	require.Equal(t, models.PotCollecting, first.Status)
	require.True(t, first.PlatformFeePercentage.Equal(d("30")))

	pct := d("10")
	second, err := m.CreatePot(ctx, "c1", &pct)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.PlatformFeePercentage.Equal(d("30")))

	bad := d("101")
	_, err = m.CreatePot(ctx, "c2", &bad)
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestAddRemoveKeepsPotConsistent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	p, err := m.AddInvestment(ctx, "c1", "u1", d("10"))
	require.NoError(t, err)
	requireConsistent(t, p)
	require.True(t, p.PlatformFeeAmount.Equal(d("3")))

	for _, u := range []string{"u2", "u3"} {
		p, err = m.AddInvestment(ctx, "c1", u, d("10"))
		require.NoError(t, err)
		requireConsistent(t, p)
	}
	require.True(t, p.TotalAmount.Equal(d("30")))
	require.True(t, p.PlatformFeeAmount.Equal(d("9")))
	require.True(t, p.WinnersPot.Equal(d("21")))

	p, err = m.RemoveInvestment(ctx, "c1", "u3", d("10"))
	require.NoError(t, err)
	requireConsistent(t, p)
	require.True(t, p.TotalAmount.Equal(d("20")))

	// removing more than is staked clamps at zero
	p, err = m.RemoveInvestment(ctx, "c1", "u2", d("50"))
	require.NoError(t, err)
	requireConsistent(t, p)
	require.True(t, p.TotalAmount.IsZero())
}

func TestRecalculateRoundsFeeToCents(t *testing.T) {
	p := models.ChallengePot{TotalAmount: d("33.33"), PlatformFeePercentage: d("30")}
	Recalculate(&p)
	require.True(t, p.PlatformFeeAmount.Equal(d("10")))
	require.True(t, p.WinnersPot.Equal(d("23.33")))
	requireConsistent(t, p)

	p = models.ChallengePot{TotalAmount: d("7.77"), PlatformFeePercentage: d("12.5")}
	Recalculate(&p)
	requireConsistent(t, p)
	require.Equal(t, int32(-2), p.PlatformFeeAmount.Exponent())
}

func TestRemoveFromMissingPot(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.RemoveInvestment(context.Background(), "nope", "u1", d("1"))
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestStakeChangesRejectedOnceDistributing(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager()

	_, err := m.AddInvestment(ctx, "c1", "u1", d("10"))
	require.NoError(t, err)

	require.NoError(t, store.Atomic(ctx, func(tx interfaces.Tx) error {
		_, err := m.ActivateTx(ctx, tx, "c1")
		if err != nil {
			return err
		}
		_, err = m.MarkDistributingTx(ctx, tx, "c1")
		return err
	}))

	_, err = m.AddInvestment(ctx, "c1", "u2", d("10"))
	require.ErrorIs(t, err, models.ErrInvalidStateTransition)

	require.NoError(t, store.Atomic(ctx, func(tx interfaces.Tx) error {
		p, err := m.MarkCompletedTx(ctx, tx, "c1")
		require.NotNil(t, p.DistributedAt)
		return err
	}))

	_, err = m.RemoveInvestment(ctx, "c1", "u1", d("10"))
	require.ErrorIs(t, err, models.ErrAlreadySettled)

	err = store.Atomic(ctx, func(tx interfaces.Tx) error {
		_, err := m.ActivateTx(ctx, tx, "c1")
		return err
	})
	require.ErrorIs(t, err, models.ErrAlreadySettled)
}
