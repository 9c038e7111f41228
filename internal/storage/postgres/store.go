package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
	}
}

// Atomic runs fn in one database transaction. Lock* methods take row locks
// with SELECT ... FOR UPDATE that are held until commit.
func (p *PostgresLedgerStore) Atomic(ctx context.Context, fn func(tx interfaces.Tx) error) (err error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: dbTx}); err != nil {
		return err
	}
	return dbTx.Commit()
}

type pgTx struct {
	tx *sql.Tx
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type scanner interface {
	Scan(dest ...any) error
}

// wallets

const walletColumns = `id, owner, balance, created_at, updated_at`

func scanWallet(row scanner) (models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.Owner, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	return w, notFound(err)
}

func (t *pgTx) LockWallet(ctx context.Context, owner string, now time.Time) (models.Wallet, error) {
	const insert = `INSERT INTO wallets (id, owner, balance, created_at, updated_at)
	VALUES ($1, $2, 0, $3, $3) ON CONFLICT (owner) DO NOTHING`
	if _, err := t.tx.ExecContext(ctx, insert, models.WalletID(owner), owner, now); err != nil {
		return models.Wallet{}, err
	}
	const query = `SELECT ` + walletColumns + ` FROM wallets WHERE owner = $1 FOR UPDATE`
	return scanWallet(t.tx.QueryRowContext(ctx, query, owner))
}

func (t *pgTx) GetWallet(ctx context.Context, owner string) (models.Wallet, error) {
	const query = `SELECT ` + walletColumns + ` FROM wallets WHERE owner = $1`
	return scanWallet(t.tx.QueryRowContext(ctx, query, owner))
}

func (t *pgTx) SaveWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	const query = `UPDATE wallets SET balance = $2, updated_at = $3 WHERE id = $1`
	res, err := t.tx.ExecContext(ctx, query, walletID, balance, at)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// ledger transactions

const transactionColumns = `id, wallet_id, type, amount, challenge_id, reference, status, metadata, created_at`

func scanTransaction(row scanner) (models.LedgerTransaction, error) {
	var (
		txn      models.LedgerTransaction
		metadata []byte
	)
	err := row.Scan(&txn.ID, &txn.WalletID, &txn.Type, &txn.Amount, &txn.ChallengeID, &txn.Reference, &txn.Status, &metadata, &txn.CreatedAt)
	if err != nil {
		return models.LedgerTransaction{}, notFound(err)
	}
	if len(metadata) > 0 && string(metadata) != "{}" {
		if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
			return models.LedgerTransaction{}, fmt.Errorf("transaction %s metadata: %w", txn.ID, err)
		}
	}
	return txn, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn models.LedgerTransaction) error {
	metadata := []byte("{}")
	if len(txn.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(txn.Metadata); err != nil {
			return err
		}
	}
	const query = `INSERT INTO ledger_transactions (` + transactionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := t.tx.ExecContext(ctx, query, txn.ID, txn.WalletID, txn.Type, txn.Amount, txn.ChallengeID, txn.Reference, txn.Status, metadata, txn.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("reference %q: %w", txn.Reference, models.ErrReferenceConflict)
	}
	return err
}

func (t *pgTx) TransactionByReference(ctx context.Context, reference string) (models.LedgerTransaction, error) {
	if reference == "" {
		return models.LedgerTransaction{}, models.ErrNotFound
	}
	const query = `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE reference = $1`
	return scanTransaction(t.tx.QueryRowContext(ctx, query, reference))
}

func (t *pgTx) ListTransactions(ctx context.Context, walletID string, limit int) ([]models.LedgerTransaction, error) {
	// LIMIT NULL returns every row.
	var lim any
	if limit > 0 {
		lim = limit
	}
	const query = `SELECT ` + transactionColumns + ` FROM ledger_transactions
	WHERE wallet_id = $1 ORDER BY seq DESC LIMIT $2`
	rows, err := t.tx.QueryContext(ctx, query, walletID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []models.LedgerTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txns, nil
}

// pots

const potColumns = `id, challenge_id, total_amount, platform_fee_percentage, platform_fee_amount,
	winners_pot, status, distributed_at, created_at, updated_at`

func (t *pgTx) LockPot(ctx context.Context, challengeID string) (models.ChallengePot, error) {
	const query = `SELECT ` + potColumns + ` FROM challenge_pots WHERE challenge_id = $1 FOR UPDATE`
	var (
		p           models.ChallengePot
		distributed sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, query, challengeID).Scan(
		&p.ID,
		&p.ChallengeID,
		&p.TotalAmount,
		&p.PlatformFeePercentage,
		&p.PlatformFeeAmount,
		&p.WinnersPot,
		&p.Status,
		&distributed,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return models.ChallengePot{}, notFound(err)
	}
	p.DistributedAt = timePtr(distributed)
	return p, nil
}

func (t *pgTx) InsertPot(ctx context.Context, p models.ChallengePot) error {
	const query = `INSERT INTO challenge_pots (` + potColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.tx.ExecContext(ctx, query, p.ID, p.ChallengeID, p.TotalAmount, p.PlatformFeePercentage,
		p.PlatformFeeAmount, p.WinnersPot, p.Status, nullTime(p.DistributedAt), p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("pot for %s exists: %w", p.ChallengeID, models.ErrInvalidStateTransition)
	}
	return err
}

func (t *pgTx) UpdatePot(ctx context.Context, p models.ChallengePot) error {
	const query = `UPDATE challenge_pots SET total_amount = $2, platform_fee_percentage = $3,
	platform_fee_amount = $4, winners_pot = $5, status = $6, distributed_at = $7, updated_at = $8
	WHERE challenge_id = $1`
	res, err := t.tx.ExecContext(ctx, query, p.ChallengeID, p.TotalAmount, p.PlatformFeePercentage,
		p.PlatformFeeAmount, p.WinnersPot, p.Status, nullTime(p.DistributedAt), p.UpdatedAt)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// participants

const participantColumns = `challenge_id, user_id, status, investment_amount, escrow_reference,
	forfeited_amount, days_missed, completion_percentage, is_winner, payout_amount, payout_status,
	payout_reference, is_invalid, invalidated_by, invalidated_at, invalidation_reason, joined_at, updated_at`

func scanParticipant(row scanner) (models.Participant, error) {
	var (
		p           models.Participant
		invalidated sql.NullTime
	)
	err := row.Scan(
		&p.ChallengeID,
		&p.UserID,
		&p.Status,
		&p.InvestmentAmount,
		&p.EscrowReference,
		&p.ForfeitedAmount,
		&p.DaysMissed,
		&p.CompletionPercentage,
		&p.IsWinner,
		&p.PayoutAmount,
		&p.PayoutStatus,
		&p.PayoutReference,
		&p.IsInvalid,
		&p.InvalidatedBy,
		&invalidated,
		&p.InvalidationReason,
		&p.JoinedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return models.Participant{}, notFound(err)
	}
	p.InvalidatedAt = timePtr(invalidated)
	return p, nil
}

func (t *pgTx) GetParticipant(ctx context.Context, challengeID, userID string) (models.Participant, error) {
	const query = `SELECT ` + participantColumns + ` FROM challenge_participants
	WHERE challenge_id = $1 AND user_id = $2 FOR UPDATE`
	return scanParticipant(t.tx.QueryRowContext(ctx, query, challengeID, userID))
}

func (t *pgTx) ListParticipants(ctx context.Context, challengeID string) ([]models.Participant, error) {
	const query = `SELECT ` + participantColumns + ` FROM challenge_participants
	WHERE challenge_id = $1 ORDER BY joined_at, user_id`
	return t.queryParticipants(ctx, query, challengeID)
}

// LockParticipants locks rows in a fixed order so two lockers never deadlock.
func (t *pgTx) LockParticipants(ctx context.Context, challengeID string) ([]models.Participant, error) {
	const query = `SELECT ` + participantColumns + ` FROM challenge_participants
	WHERE challenge_id = $1 ORDER BY joined_at, user_id FOR UPDATE`
	return t.queryParticipants(ctx, query, challengeID)
}

func (t *pgTx) queryParticipants(ctx context.Context, query, challengeID string) ([]models.Participant, error) {
	rows, err := t.tx.QueryContext(ctx, query, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (t *pgTx) SaveParticipant(ctx context.Context, p models.Participant) error {
	const query = `INSERT INTO challenge_participants (` + participantColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (challenge_id, user_id) DO UPDATE SET
		status = EXCLUDED.status,
		investment_amount = EXCLUDED.investment_amount,
		escrow_reference = EXCLUDED.escrow_reference,
		forfeited_amount = EXCLUDED.forfeited_amount,
		days_missed = EXCLUDED.days_missed,
		completion_percentage = EXCLUDED.completion_percentage,
		is_winner = EXCLUDED.is_winner,
		payout_amount = EXCLUDED.payout_amount,
		payout_status = EXCLUDED.payout_status,
		payout_reference = EXCLUDED.payout_reference,
		is_invalid = EXCLUDED.is_invalid,
		invalidated_by = EXCLUDED.invalidated_by,
		invalidated_at = EXCLUDED.invalidated_at,
		invalidation_reason = EXCLUDED.invalidation_reason,
		joined_at = EXCLUDED.joined_at,
		updated_at = EXCLUDED.updated_at`
	_, err := t.tx.ExecContext(ctx, query,
		p.ChallengeID, p.UserID, p.Status, p.InvestmentAmount, p.EscrowReference,
		p.ForfeitedAmount, p.DaysMissed, p.CompletionPercentage, p.IsWinner, p.PayoutAmount, p.PayoutStatus,
		p.PayoutReference, p.IsInvalid, p.InvalidatedBy, nullTime(p.InvalidatedAt), p.InvalidationReason,
		p.JoinedAt, p.UpdatedAt)
	return err
}

// proofs

const proofColumns = `challenge_id, user_id, period, has_proof, submission_ref, forfeited,
	forfeited_amount, created_at, updated_at`

func scanProof(row scanner) (models.ProofRecord, error) {
	var r models.ProofRecord
	err := row.Scan(&r.ChallengeID, &r.UserID, &r.Period, &r.HasProof, &r.SubmissionRef, &r.Forfeited,
		&r.ForfeitedAmount, &r.CreatedAt, &r.UpdatedAt)
	return r, notFound(err)
}

func (t *pgTx) UpsertProof(ctx context.Context, r models.ProofRecord) error {
	const query = `INSERT INTO proof_records (` + proofColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (challenge_id, user_id, period) DO UPDATE SET
		has_proof = EXCLUDED.has_proof,
		submission_ref = EXCLUDED.submission_ref,
		forfeited = EXCLUDED.forfeited,
		forfeited_amount = EXCLUDED.forfeited_amount,
		updated_at = EXCLUDED.updated_at`
	_, err := t.tx.ExecContext(ctx, query, r.ChallengeID, r.UserID, r.Period, r.HasProof, r.SubmissionRef,
		r.Forfeited, r.ForfeitedAmount, r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *pgTx) GetProof(ctx context.Context, challengeID, userID string, period int) (models.ProofRecord, error) {
	const query = `SELECT ` + proofColumns + ` FROM proof_records
	WHERE challenge_id = $1 AND user_id = $2 AND period = $3 FOR UPDATE`
	return scanProof(t.tx.QueryRowContext(ctx, query, challengeID, userID, period))
}

func (t *pgTx) ListProofs(ctx context.Context, challengeID string, period int) ([]models.ProofRecord, error) {
	const query = `SELECT ` + proofColumns + ` FROM proof_records
	WHERE challenge_id = $1 AND period = $2 ORDER BY user_id`
	rows, err := t.tx.QueryContext(ctx, query, challengeID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ProofRecord
	for rows.Next() {
		r, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (t *pgTx) CountProofs(ctx context.Context, challengeID, userID string) (int, error) {
	const query = `SELECT count(*) FROM proof_records
	WHERE challenge_id = $1 AND user_id = $2 AND has_proof`
	var n int
	err := t.tx.QueryRowContext(ctx, query, challengeID, userID).Scan(&n)
	return n, err
}

// challenges

const challengeColumns = `id, title, entry_fee, platform_fee_percentage, forfeit_unit, total_periods,
	starts_at, ends_at, status, approval_status, reviewed_by, reviewed_at, review_notes, rejection_reason,
	created_at, updated_at`

func scanChallenge(row scanner) (models.Challenge, error) {
	var (
		c        models.Challenge
		reviewed sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.EntryFee,
		&c.PlatformFeePercentage,
		&c.ForfeitUnit,
		&c.TotalPeriods,
		&c.StartsAt,
		&c.EndsAt,
		&c.Status,
		&c.ApprovalStatus,
		&c.ReviewedBy,
		&reviewed,
		&c.ReviewNotes,
		&c.RejectionReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return models.Challenge{}, notFound(err)
	}
	c.ReviewedAt = timePtr(reviewed)
	return c, nil
}

func (t *pgTx) GetChallenge(ctx context.Context, id string) (models.Challenge, error) {
	const query = `SELECT ` + challengeColumns + ` FROM challenges WHERE id = $1`
	return scanChallenge(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) LockChallenge(ctx context.Context, id string) (models.Challenge, error) {
	const query = `SELECT ` + challengeColumns + ` FROM challenges WHERE id = $1 FOR UPDATE`
	return scanChallenge(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) InsertChallenge(ctx context.Context, c models.Challenge) error {
	const query = `INSERT INTO challenges (` + challengeColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := t.tx.ExecContext(ctx, query, c.ID, c.Title, c.EntryFee, c.PlatformFeePercentage, c.ForfeitUnit,
		c.TotalPeriods, c.StartsAt, c.EndsAt, c.Status, c.ApprovalStatus, c.ReviewedBy, nullTime(c.ReviewedAt),
		c.ReviewNotes, c.RejectionReason, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("challenge %s exists: %w", c.ID, models.ErrInvalidInput)
	}
	return err
}

func (t *pgTx) UpdateChallenge(ctx context.Context, c models.Challenge) error {
	const query = `UPDATE challenges SET title = $2, entry_fee = $3, platform_fee_percentage = $4,
	forfeit_unit = $5, total_periods = $6, starts_at = $7, ends_at = $8, status = $9, approval_status = $10,
	reviewed_by = $11, reviewed_at = $12, review_notes = $13, rejection_reason = $14, updated_at = $15
	WHERE id = $1`
	res, err := t.tx.ExecContext(ctx, query, c.ID, c.Title, c.EntryFee, c.PlatformFeePercentage, c.ForfeitUnit,
		c.TotalPeriods, c.StartsAt, c.EndsAt, c.Status, c.ApprovalStatus, c.ReviewedBy, nullTime(c.ReviewedAt),
		c.ReviewNotes, c.RejectionReason, c.UpdatedAt)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (t *pgTx) ListChallengesByStatus(ctx context.Context, status models.ChallengeStatus) ([]models.Challenge, error) {
	const query = `SELECT ` + challengeColumns + ` FROM challenges WHERE status = $1 ORDER BY id`
	return t.listChallenges(ctx, query, status)
}

func (t *pgTx) ListChallengesByApproval(ctx context.Context, status models.ApprovalStatus) ([]models.Challenge, error) {
	const query = `SELECT ` + challengeColumns + ` FROM challenges WHERE approval_status = $1 ORDER BY id`
	return t.listChallenges(ctx, query, status)
}

func (t *pgTx) listChallenges(ctx context.Context, query string, arg any) ([]models.Challenge, error) {
	rows, err := t.tx.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

var _ interfaces.Store = (*PostgresLedgerStore)(nil)
var _ interfaces.Tx = (*pgTx)(nil)
