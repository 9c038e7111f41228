package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// ErrUnlockedWrite is returned when a unit of work overwrites a participant
// row it never locked. The postgres store would lose a concurrent update in
// that case, so the memory store refuses it outright.
var ErrUnlockedWrite = errors.New("participant row saved without being locked")

// MemoryLedgerStore is an in-memory implementation of interfaces.Store.
// Units of work are serialized by one mutex; a failed unit restores the
// snapshot taken when it began.
type MemoryLedgerStore struct {
	mu    sync.Mutex
	state *state
}

type proofKey struct {
	challengeID string
	userID      string
	period      int
}

type participantKey struct {
	challengeID string
	userID      string
}

type state struct {
	wallets      map[string]models.Wallet // keyed by owner
	transactions []models.LedgerTransaction
	references   map[string]int // reference -> index into transactions
	pots         map[string]models.ChallengePot
	participants map[participantKey]models.Participant
	proofs       map[proofKey]models.ProofRecord
	challenges   map[string]models.Challenge
}

func newState() *state {
	return &state{
		wallets:      make(map[string]models.Wallet),
		transactions: make([]models.LedgerTransaction, 0),
		references:   make(map[string]int),
		pots:         make(map[string]models.ChallengePot),
		participants: make(map[participantKey]models.Participant),
		proofs:       make(map[proofKey]models.ProofRecord),
		challenges:   make(map[string]models.Challenge),
	}
}

func (s *state) clone() *state {
	c := &state{
		wallets:      make(map[string]models.Wallet, len(s.wallets)),
		transactions: make([]models.LedgerTransaction, len(s.transactions)),
		references:   make(map[string]int, len(s.references)),
		pots:         make(map[string]models.ChallengePot, len(s.pots)),
		participants: make(map[participantKey]models.Participant, len(s.participants)),
		proofs:       make(map[proofKey]models.ProofRecord, len(s.proofs)),
		challenges:   make(map[string]models.Challenge, len(s.challenges)),
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	copy(c.transactions, s.transactions)
	for k, v := range s.references {
		c.references[k] = v
	}
	for k, v := range s.pots {
		c.pots[k] = v
	}
	for k, v := range s.participants {
		c.participants[k] = v
	}
	for k, v := range s.proofs {
		c.proofs[k] = v
	}
	for k, v := range s.challenges {
		c.challenges[k] = v
	}
	return c
}

// NewMemoryLedgerStore creates and returns a new MemoryLedgerStore instance
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{state: newState()}
}

// Atomic implements interfaces.Store.
func (m *MemoryLedgerStore) Atomic(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memoryTx{s: m.state, locked: make(map[participantKey]bool)}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// memoryTx works directly on the live state; the store holds its mutex for
// the lifetime of the unit of work.
type memoryTx struct {
	s      *state
	locked map[participantKey]bool
}

func (t *memoryTx) LockWallet(ctx context.Context, owner string, now time.Time) (models.Wallet, error) {
	if w, ok := t.s.wallets[owner]; ok {
		return w, nil
	}
	w := models.Wallet{
		ID:        models.WalletID(owner),
		Owner:     owner,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.s.wallets[owner] = w
	return w, nil
}

func (t *memoryTx) GetWallet(ctx context.Context, owner string) (models.Wallet, error) {
	w, ok := t.s.wallets[owner]
	if !ok {
		return models.Wallet{}, models.ErrNotFound
	}
	return w, nil
}

func (t *memoryTx) SaveWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	for owner, w := range t.s.wallets {
		if w.ID == walletID {
			w.Balance = balance
			w.UpdatedAt = at
			t.s.wallets[owner] = w
			return nil
		}
	}
	return models.ErrNotFound
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn models.LedgerTransaction) error {
	if txn.Reference != "" {
		if _, exists := t.s.references[txn.Reference]; exists {
			return models.ErrReferenceConflict
		}
		t.s.references[txn.Reference] = len(t.s.transactions)
	}
	t.s.transactions = append(t.s.transactions, txn)
	return nil
}

func (t *memoryTx) TransactionByReference(ctx context.Context, reference string) (models.LedgerTransaction, error) {
	i, ok := t.s.references[reference]
	if !ok {
		return models.LedgerTransaction{}, models.ErrNotFound
	}
	return t.s.transactions[i], nil
}

func (t *memoryTx) ListTransactions(ctx context.Context, walletID string, limit int) ([]models.LedgerTransaction, error) {
	var result []models.LedgerTransaction
	for i := len(t.s.transactions) - 1; i >= 0; i-- {
		if t.s.transactions[i].WalletID != walletID {
			continue
		}
		result = append(result, t.s.transactions[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (t *memoryTx) LockPot(ctx context.Context, challengeID string) (models.ChallengePot, error) {
	p, ok := t.s.pots[challengeID]
	if !ok {
		return models.ChallengePot{}, models.ErrNotFound
	}
	return p, nil
}

func (t *memoryTx) InsertPot(ctx context.Context, pot models.ChallengePot) error {
	if _, exists := t.s.pots[pot.ChallengeID]; exists {
		return models.ErrInvalidStateTransition
	}
	t.s.pots[pot.ChallengeID] = pot
	return nil
}

func (t *memoryTx) UpdatePot(ctx context.Context, pot models.ChallengePot) error {
	if _, exists := t.s.pots[pot.ChallengeID]; !exists {
		return models.ErrNotFound
	}
	t.s.pots[pot.ChallengeID] = pot
	return nil
}

func (t *memoryTx) GetParticipant(ctx context.Context, challengeID, userID string) (models.Participant, error) {
	key := participantKey{challengeID, userID}
	p, ok := t.s.participants[key]
	if !ok {
		return models.Participant{}, models.ErrNotFound
	}
	t.locked[key] = true
	return p, nil
}

func (t *memoryTx) ListParticipants(ctx context.Context, challengeID string) ([]models.Participant, error) {
	var result []models.Participant
	for k, p := range t.s.participants {
		if k.challengeID == challengeID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].JoinedAt.Equal(result[j].JoinedAt) {
			return result[i].JoinedAt.Before(result[j].JoinedAt)
		}
		return result[i].UserID < result[j].UserID
	})
	return result, nil
}

func (t *memoryTx) LockParticipants(ctx context.Context, challengeID string) ([]models.Participant, error) {
	result, err := t.ListParticipants(ctx, challengeID)
	for _, p := range result {
		t.locked[participantKey{p.ChallengeID, p.UserID}] = true
	}
	return result, err
}

func (t *memoryTx) SaveParticipant(ctx context.Context, p models.Participant) error {
	key := participantKey{p.ChallengeID, p.UserID}
	if _, exists := t.s.participants[key]; exists && !t.locked[key] {
		return fmt.Errorf("%s/%s: %w", p.ChallengeID, p.UserID, ErrUnlockedWrite)
	}
	t.s.participants[key] = p
	t.locked[key] = true
	return nil
}

func (t *memoryTx) UpsertProof(ctx context.Context, rec models.ProofRecord) error {
	key := proofKey{rec.ChallengeID, rec.UserID, rec.Period}
	if existing, ok := t.s.proofs[key]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	t.s.proofs[key] = rec
	return nil
}

func (t *memoryTx) GetProof(ctx context.Context, challengeID, userID string, period int) (models.ProofRecord, error) {
	rec, ok := t.s.proofs[proofKey{challengeID, userID, period}]
	if !ok {
		return models.ProofRecord{}, models.ErrNotFound
	}
	return rec, nil
}

func (t *memoryTx) ListProofs(ctx context.Context, challengeID string, period int) ([]models.ProofRecord, error) {
	var result []models.ProofRecord
	for k, rec := range t.s.proofs {
		if k.challengeID == challengeID && k.period == period {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (t *memoryTx) CountProofs(ctx context.Context, challengeID, userID string) (int, error) {
	n := 0
	for k, rec := range t.s.proofs {
		if k.challengeID == challengeID && k.userID == userID && rec.HasProof {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) GetChallenge(ctx context.Context, id string) (models.Challenge, error) {
	c, ok := t.s.challenges[id]
	if !ok {
		return models.Challenge{}, models.ErrNotFound
	}
	return c, nil
}

func (t *memoryTx) LockChallenge(ctx context.Context, id string) (models.Challenge, error) {
	return t.GetChallenge(ctx, id)
}

func (t *memoryTx) InsertChallenge(ctx context.Context, c models.Challenge) error {
	if _, exists := t.s.challenges[c.ID]; exists {
		return models.ErrInvalidInput
	}
	t.s.challenges[c.ID] = c
	return nil
}

func (t *memoryTx) UpdateChallenge(ctx context.Context, c models.Challenge) error {
	if _, exists := t.s.challenges[c.ID]; !exists {
		return models.ErrNotFound
	}
	t.s.challenges[c.ID] = c
	return nil
}

func (t *memoryTx) ListChallengesByStatus(ctx context.Context, status models.ChallengeStatus) ([]models.Challenge, error) {
	return t.listChallenges(func(c models.Challenge) bool { return c.Status == status }), nil
}

func (t *memoryTx) ListChallengesByApproval(ctx context.Context, status models.ApprovalStatus) ([]models.Challenge, error) {
	return t.listChallenges(func(c models.Challenge) bool { return c.ApprovalStatus == status }), nil
}

func (t *memoryTx) listChallenges(match func(models.Challenge) bool) []models.Challenge {
	var result []models.Challenge
	for _, c := range t.s.challenges {
		if match(c) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Compile-time check: ensure MemoryLedgerStore implements Store interface
var _ interfaces.Store = (*MemoryLedgerStore)(nil)
var _ interfaces.Tx = (*memoryTx)(nil)
