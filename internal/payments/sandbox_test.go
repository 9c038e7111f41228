package payments

import (
	"context"
	"testing"

	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSandboxRefund(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()

	ref, err := s.CreateEscrowCharge(ctx, "alice", decimal.NewFromInt(10), "c1")
	require.NoError(t, err)

	part := decimal.NewFromInt(4)
	_, err = s.Refund(ctx, ref, &part)
	require.NoError(t, err)

	_, err = s.Refund(ctx, ref, nil)
	require.NoError(t, err)

	c, ok := s.ChargeFor(ref)
	require.True(t, ok)
	require.True(t, c.Refunded.Equal(c.Amount))

	_, err = s.Refund(ctx, ref, nil)
	require.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = s.Refund(ctx, "ch_missing", nil)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSandboxFailures(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()
	s.FailChargesFor("bob", true)
	s.FailPayoutsFor("bob", true)

	_, err := s.CreateEscrowCharge(ctx, "bob", decimal.NewFromInt(10), "c1")
	require.ErrorIs(t, err, models.ErrExternalPaymentFailure)
	_, err = s.Payout(ctx, "bob", decimal.NewFromInt(10), "c1")
	require.ErrorIs(t, err, models.ErrExternalPaymentFailure)

	s.FailPayoutsFor("bob", false)
	_, err = s.Payout(ctx, "bob", decimal.NewFromInt(10), "c1")
	require.NoError(t, err)
	require.Equal(t, 1, s.PayoutCount())
}

func TestNewByName(t *testing.T) {
	p, err := New(ProcessorSandbox)
	require.NoError(t, err)
	require.IsType(t, &Sandbox{}, p)

	_, err = New("stripe")
	require.ErrorIs(t, err, models.ErrInvalidInput)
}
