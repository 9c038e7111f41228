package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlatformOwner is the reserved owner of the wallet that collects fees.
const PlatformOwner = "platform"

// WalletID derives the wallet identifier for an owner.
func WalletID(owner string) string {
	return "wallet-" + owner
}

// Wallet holds the current balance for one owner. It is only ever mutated
// through the ledger, never deleted.
type Wallet struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TxDeposit          TransactionType = "deposit"
	TxChallengePayment TransactionType = "challenge_payment"
	TxRefund           TransactionType = "refund"
	TxPayout           TransactionType = "payout"
	TxFee              TransactionType = "fee"
	TxWithdrawal       TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusRefunded  TransactionStatus = "refunded"
)

// LedgerTransaction is one immutable money movement against a wallet.
// Amount is signed: credits are positive, debits negative.
type LedgerTransaction struct {
	ID          string            `json:"id"`
	WalletID    string            `json:"wallet_id"`
	Type        TransactionType   `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	ChallengeID string            `json:"challenge_id,omitempty"`
	Reference   string            `json:"reference,omitempty"` // unique when set
	Status      TransactionStatus `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
