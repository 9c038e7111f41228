package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/metrics"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Ledger is the only writer of wallets and ledger transactions.
// Every posting inserts one completed transaction and moves the wallet
// balance by the same signed amount inside a single unit of work.
type Ledger struct {
	store interfaces.Store
	log   logrus.FieldLogger
	nowFn func() time.Time
}

// Ref carries the optional fields of a posting.
type Ref struct {
	ChallengeID string
	// Reference is an idempotency key, typically an external payment
	// reference. Replaying the same posting returns the original transaction.
	Reference string
	Metadata  map[string]string
}

type Option func(*Ledger)

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFn = now }
}

// NewLedger is a constructor function that creates a new Ledger instance
func NewLedger(store interfaces.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logging.OrBase(l.log)
	return l
}

func (l *Ledger) GetOrCreateWallet(ctx context.Context, owner string) (models.Wallet, error) {
	if owner == "" {
		return models.Wallet{}, models.ErrInvalidInput
	}
	var wallet models.Wallet
	err := l.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		wallet, err = tx.LockWallet(ctx, owner, l.nowFn())
		return err
	})
	return wallet, err
}

func (l *Ledger) Credit(ctx context.Context, owner string, amount decimal.Decimal, txType models.TransactionType, ref Ref) (models.LedgerTransaction, error) {
	var txn models.LedgerTransaction
	err := l.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		txn, err = l.CreditTx(ctx, tx, owner, amount, txType, ref)
		return err
	})
	return txn, err
}

// Debit fails with models.ErrInsufficientFunds when the balance is below amount.
func (l *Ledger) Debit(ctx context.Context, owner string, amount decimal.Decimal, txType models.TransactionType, ref Ref) (models.LedgerTransaction, error) {
	var txn models.LedgerTransaction
	err := l.store.Atomic(ctx, func(tx interfaces.Tx) error {
		var err error
		txn, err = l.DebitTx(ctx, tx, owner, amount, txType, ref)
		return err
	})
	return txn, err
}

// CreditTx posts a credit inside a unit of work owned by the caller.
func (l *Ledger) CreditTx(ctx context.Context, tx interfaces.Tx, owner string, amount decimal.Decimal, txType models.TransactionType, ref Ref) (models.LedgerTransaction, error) {
	if !amount.IsPositive() {
		return models.LedgerTransaction{}, models.ErrInvalidAmount
	}
	return l.post(ctx, tx, owner, amount, txType, ref)
}

// DebitTx posts a debit inside a unit of work owned by the caller.
func (l *Ledger) DebitTx(ctx context.Context, tx interfaces.Tx, owner string, amount decimal.Decimal, txType models.TransactionType, ref Ref) (models.LedgerTransaction, error) {
	if !amount.IsPositive() {
		return models.LedgerTransaction{}, models.ErrInvalidAmount
	}
	return l.post(ctx, tx, owner, amount.Neg(), txType, ref)
}

// post applies a signed amount. Callers of CreditTx pass a positive amount;
// DebitTx has already negated it.
func (l *Ledger) post(ctx context.Context, tx interfaces.Tx, owner string, signed decimal.Decimal, txType models.TransactionType, ref Ref) (models.LedgerTransaction, error) {
	if owner == "" {
		return models.LedgerTransaction{}, models.ErrInvalidInput
	}
	if (signed.IsNegative() && !isDebitType(txType)) || (signed.IsPositive() && !isCreditType(txType)) {
		return models.LedgerTransaction{}, fmt.Errorf("%s cannot move %s: %w", txType, signed, models.ErrInvalidInput)
	}

	now := l.nowFn()
	wallet, err := tx.LockWallet(ctx, owner, now)
	if err != nil {
		return models.LedgerTransaction{}, fmt.Errorf("lock wallet %s: %w", owner, err)
	}

	// Idempotency check
	if ref.Reference != "" {
		existing, err := tx.TransactionByReference(ctx, ref.Reference)
		switch {
		case err == nil:
			if existing.WalletID == wallet.ID && existing.Type == txType && existing.Amount.Equal(signed) {
				return existing, nil
			}
			return models.LedgerTransaction{}, fmt.Errorf("reference %q: %w", ref.Reference, models.ErrReferenceConflict)
		case !errors.Is(err, models.ErrNotFound):
			return models.LedgerTransaction{}, err
		}
	}

	balance := wallet.Balance.Add(signed)
	if balance.IsNegative() {
		return models.LedgerTransaction{}, models.ErrInsufficientFunds
	}

	txn := models.LedgerTransaction{
		ID:          uuid.NewString(),
		WalletID:    wallet.ID,
		Type:        txType,
		Amount:      signed,
		ChallengeID: ref.ChallengeID,
		Reference:   ref.Reference,
		Status:      models.TxStatusCompleted,
		Metadata:    ref.Metadata,
		CreatedAt:   now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return models.LedgerTransaction{}, err
	}
	if err := tx.SaveWalletBalance(ctx, wallet.ID, balance, now); err != nil {
		return models.LedgerTransaction{}, err
	}

	metrics.LedgerTransactions.WithLabelValues(string(txType)).Inc()
	l.log.WithFields(logrus.Fields{
		"wallet_id":    wallet.ID,
		"type":         txType,
		"amount":       signed.String(),
		"challenge_id": ref.ChallengeID,
	}).Debug("ledger posting")
	return txn, nil
}

func isCreditType(t models.TransactionType) bool {
	switch t {
	case models.TxDeposit, models.TxRefund, models.TxPayout, models.TxFee:
		return true
	}
	return false
}

func isDebitType(t models.TransactionType) bool {
	switch t {
	case models.TxChallengePayment, models.TxWithdrawal, models.TxFee:
		return true
	}
	return false
}

// GetBalance reads owner's balance without creating a wallet. An owner that
// never transacted has a zero balance.
func (l *Ledger) GetBalance(ctx context.Context, owner string) (decimal.Decimal, error) {
	if owner == "" {
		return decimal.Zero, models.ErrInvalidInput
	}
	balance := decimal.Zero
	err := l.store.Atomic(ctx, func(tx interfaces.Tx) error {
		wallet, err := tx.GetWallet(ctx, owner)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		balance = wallet.Balance
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// History returns the most recent transactions of owner's wallet, newest first.
func (l *Ledger) History(ctx context.Context, owner string, limit int) ([]models.LedgerTransaction, error) {
	var history []models.LedgerTransaction
	err := l.store.Atomic(ctx, func(tx interfaces.Tx) error {
		wallet, err := tx.GetWallet(ctx, owner)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		history, err = tx.ListTransactions(ctx, wallet.ID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// Reconciliation compares a wallet balance to the sum of its completed
// transactions.
type Reconciliation struct {
	WalletID string          `json:"wallet_id"`
	Balance  decimal.Decimal `json:"balance"`
	Computed decimal.Decimal `json:"computed"`
	Balanced bool            `json:"balanced"`
}

func (l *Ledger) Reconcile(ctx context.Context, owner string) (Reconciliation, error) {
	var rec Reconciliation
	err := l.store.Atomic(ctx, func(tx interfaces.Tx) error {
		wallet, err := tx.LockWallet(ctx, owner, l.nowFn())
		if err != nil {
			return err
		}
		txns, err := tx.ListTransactions(ctx, wallet.ID, 0)
		if err != nil {
			return err
		}
		computed := decimal.Zero
		for _, t := range txns {
			if t.Status == models.TxStatusCompleted {
				computed = computed.Add(t.Amount)
			}
		}
		rec = Reconciliation{
			WalletID: wallet.ID,
			Balance:  wallet.Balance,
			Computed: computed,
			Balanced: computed.Equal(wallet.Balance),
		}
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if !rec.Balanced {
		l.log.WithFields(logrus.Fields{
			"wallet_id": rec.WalletID,
			"balance":   rec.Balance.String(),
			"computed":  rec.Computed.String(),
		}).Error("wallet out of balance")
	}
	return rec, nil
}
