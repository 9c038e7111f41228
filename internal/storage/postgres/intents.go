package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/sirupsen/logrus"
)

// IntentStore keeps rejection intents in the rejection_intents table so they
// survive restarts and are shared by every replica.
type IntentStore struct {
	db *sql.DB
}

func NewIntentStore(db *sql.DB) *IntentStore {
	return &IntentStore{db: db}
}

// PutIntent replaces any intent for the challenge and drops intents that
// expired more than a day ago.
func (s *IntentStore) PutIntent(ctx context.Context, intent models.RejectionIntent) error {
	const purge = `DELETE FROM rejection_intents WHERE expires_at < $1`
	if _, err := s.db.ExecContext(ctx, purge, intent.RequestedAt.Add(-24*time.Hour)); err != nil {
		return err
	}
	const query = `INSERT INTO rejection_intents (challenge_id, admin_id, requested_at, expires_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (challenge_id) DO UPDATE SET
		admin_id = EXCLUDED.admin_id,
		requested_at = EXCLUDED.requested_at,
		expires_at = EXCLUDED.expires_at`
	_, err := s.db.ExecContext(ctx, query, intent.ChallengeID, intent.AdminID, intent.RequestedAt, intent.ExpiresAt)
	return err
}

func (s *IntentStore) GetIntent(ctx context.Context, challengeID string) (models.RejectionIntent, error) {
	const query = `SELECT challenge_id, admin_id, requested_at, expires_at
	FROM rejection_intents WHERE challenge_id = $1`
	var intent models.RejectionIntent
	err := s.db.QueryRowContext(ctx, query, challengeID).Scan(
		&intent.ChallengeID,
		&intent.AdminID,
		&intent.RequestedAt,
		&intent.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RejectionIntent{}, models.ErrIntentNotFound
	}
	if err != nil {
		return models.RejectionIntent{}, err
	}
	return intent, nil
}

func (s *IntentStore) DeleteIntent(ctx context.Context, challengeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rejection_intents WHERE challenge_id = $1`, challengeID)
	return err
}

// Locker uses session-level advisory locks. The lock lives on a dedicated
// connection until released, so ttl is ignored; a crashed holder frees it
// when its connection drops.
type Locker struct {
	db  *sql.DB
	log logrus.FieldLogger
}

func NewLocker(db *sql.DB, log logrus.FieldLogger) *Locker {
	return &Locker{db: db, log: logging.OrBase(log)}
}

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		conn.Close()
		return nil, err
	}
	if !ok {
		conn.Close()
		return nil, models.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(conn, name) })
	}, nil
}

// lockConn is the part of *sql.Conn a release needs.
type lockConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

// release unlocks name and returns the connection to the pool. A failed
// unlock is only logged: closing the connection ends the session, which
// frees the lock anyway.
func (l *Locker) release(conn lockConn, name string) {
	log := l.log.WithField("lock", name)
	if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, name); err != nil {
		log.WithError(err).Warn("advisory unlock failed")
	}
	if err := conn.Close(); err != nil {
		log.WithError(err).Warn("closing lock connection")
	}
}

var _ interfaces.IntentStore = (*IntentStore)(nil)
var _ interfaces.Locker = (*Locker)(nil)
