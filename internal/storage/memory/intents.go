package memory

import (
	"context"
	"sync"
	"time"

	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
)

// IntentStore keeps rejection intents in process memory. Only suitable for a
// single replica.
type IntentStore struct {
	mu      sync.Mutex
	intents map[string]models.RejectionIntent
}

func NewIntentStore() *IntentStore {
	return &IntentStore{intents: make(map[string]models.RejectionIntent)}
}

func (s *IntentStore) PutIntent(ctx context.Context, intent models.RejectionIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.ChallengeID] = intent
	return nil
}

func (s *IntentStore) GetIntent(ctx context.Context, challengeID string) (models.RejectionIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[challengeID]
	if !ok {
		return models.RejectionIntent{}, models.ErrIntentNotFound
	}
	return intent, nil
}

func (s *IntentStore) DeleteIntent(ctx context.Context, challengeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, challengeID)
	return nil
}

// Locker is a process-local Locker. The ttl is ignored: a lock is held until
// released.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]bool)}
}

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, models.ErrLockHeld
	}
	l.held[name] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}

var _ interfaces.IntentStore = (*IntentStore)(nil)
var _ interfaces.Locker = (*Locker)(nil)
