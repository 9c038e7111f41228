package interfaces

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentProcessor is the external processor holding escrowed card funds.
// Every call is synchronous and may fail.
type PaymentProcessor interface {
	CreateEscrowCharge(ctx context.Context, userID string, amount decimal.Decimal, challengeID string) (reference string, err error)
	// Refund returns the whole charge when amount is nil.
	Refund(ctx context.Context, reference string, amount *decimal.Decimal) (refundID string, err error)
	Payout(ctx context.Context, userID string, amount decimal.Decimal, challengeID string) (transferID string, err error)
}
