package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// Store runs fn as a single unit of work. Either every write made through tx
// becomes visible or none does. Rows read through Lock* methods stay locked
// until fn returns.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	WalletRepository
	TransactionRepository
	PotRepository
	ParticipantRepository
	ProofRepository
	ChallengeRepository
}

type WalletRepository interface {
	// LockWallet returns the owner's wallet, creating it with a zero balance
	// on first reference.
	LockWallet(ctx context.Context, owner string, now time.Time) (models.Wallet, error)
	GetWallet(ctx context.Context, owner string) (models.Wallet, error)
	SaveWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error
}

type TransactionRepository interface {
	// InsertTransaction fails with models.ErrReferenceConflict when the
	// reference is already taken.
	InsertTransaction(ctx context.Context, txn models.LedgerTransaction) error
	TransactionByReference(ctx context.Context, reference string) (models.LedgerTransaction, error)
	// ListTransactions returns newest first. limit <= 0 returns everything.
	ListTransactions(ctx context.Context, walletID string, limit int) ([]models.LedgerTransaction, error)
}

type PotRepository interface {
	LockPot(ctx context.Context, challengeID string) (models.ChallengePot, error)
	InsertPot(ctx context.Context, pot models.ChallengePot) error
	UpdatePot(ctx context.Context, pot models.ChallengePot) error
}

type ParticipantRepository interface {
	GetParticipant(ctx context.Context, challengeID, userID string) (models.Participant, error)
	ListParticipants(ctx context.Context, challengeID string) ([]models.Participant, error)
	// LockParticipants is ListParticipants with every returned row locked
	// until the unit of work ends. Use it before saving rows it returned.
	LockParticipants(ctx context.Context, challengeID string) ([]models.Participant, error)
	// SaveParticipant inserts p or overwrites the stored row. Existing rows
	// must have been read through GetParticipant or LockParticipants in the
	// same unit of work.
	SaveParticipant(ctx context.Context, p models.Participant) error
}

type ProofRepository interface {
	UpsertProof(ctx context.Context, rec models.ProofRecord) error
	GetProof(ctx context.Context, challengeID, userID string, period int) (models.ProofRecord, error)
	ListProofs(ctx context.Context, challengeID string, period int) ([]models.ProofRecord, error)
	// CountProofs counts records with HasProof set for one participant.
	CountProofs(ctx context.Context, challengeID, userID string) (int, error)
}

type ChallengeRepository interface {
	GetChallenge(ctx context.Context, id string) (models.Challenge, error)
	LockChallenge(ctx context.Context, id string) (models.Challenge, error)
	InsertChallenge(ctx context.Context, c models.Challenge) error
	UpdateChallenge(ctx context.Context, c models.Challenge) error
	ListChallengesByStatus(ctx context.Context, status models.ChallengeStatus) ([]models.Challenge, error)
	ListChallengesByApproval(ctx context.Context, status models.ApprovalStatus) ([]models.Challenge, error)
}

// IntentStore keeps rejection intents between the two admin calls. Expired
// intents may still be returned; callers compare ExpiresAt themselves.
type IntentStore interface {
	PutIntent(ctx context.Context, intent models.RejectionIntent) error
	GetIntent(ctx context.Context, challengeID string) (models.RejectionIntent, error)
	DeleteIntent(ctx context.Context, challengeID string) error
}

// Locker provides the mutual exclusion used by the periodic sweep.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), err error)
}
