package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voterledger/voterledger/internal/biometric"
	"github.com/voterledger/voterledger/internal/registration/model"
)

const voterColumns = `
	id, voter_id, name, address, dob, biometric_signature, content_hash,
	status, ledger_receipt, failure_reason, attempts, created_at, updated_at`

// PostgresStore persists voter records in PostgreSQL. Uniqueness of voter_id
// is enforced by a unique index; status transitions are conditional updates
// keyed on the current status.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert stores rec with status pending, or returns model.ErrDuplicateID.
func (s *PostgresStore) Insert(ctx context.Context, rec *model.VoterRecord) (uuid.UUID, error) {
	now := time.Now().UTC()
	id := uuid.New()

	query := `
		INSERT INTO voters (` + voterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', '', '', 0, $8, $8)
		ON CONFLICT (voter_id) DO NOTHING`

	tag, err := s.db.Exec(ctx, query,
		id, rec.VoterID, rec.Name, rec.Address, rec.DOB,
		biometric.Encode(rec.BiometricSignature), rec.ContentHash, now,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert voter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, model.ErrDuplicateID
	}

	rec.ID = id
	rec.Status = model.StatusPending
	rec.LedgerReceipt = ""
	rec.FailureReason = model.FailureNone
	rec.Attempts = 0
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return id, nil
}

// UpdateStatus applies a pending → notarized|failed transition.
func (s *PostgresStore) UpdateStatus(ctx context.Context, voterID string, u model.StatusUpdate) error {
	if err := model.CheckTransition(model.StatusPending, u); err != nil {
		return err
	}

	query := `
		UPDATE voters SET
			status         = $2,
			ledger_receipt = $3,
			failure_reason = $4,
			attempts       = attempts + 1,
			updated_at     = $5
		WHERE voter_id = $1 AND status = 'pending'`

	tag, err := s.db.Exec(ctx, query, voterID, u.Status, u.Receipt, u.Reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update voter status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, voterID)
	}
	return nil
}

// Reopen moves a retriable failed record back to pending.
func (s *PostgresStore) Reopen(ctx context.Context, voterID string) error {
	query := `
		UPDATE voters SET status = 'pending', failure_reason = '', updated_at = $2
		WHERE voter_id = $1 AND status = 'failed' AND failure_reason = 'unavailable'`

	tag, err := s.db.Exec(ctx, query, voterID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reopen voter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, voterID)
	}
	return nil
}

// Get returns the record for voterID.
func (s *PostgresStore) Get(ctx context.Context, voterID string) (*model.VoterRecord, error) {
	query := `SELECT ` + voterColumns + ` FROM voters WHERE voter_id = $1`
	rows, err := s.db.Query(ctx, query, voterID)
	if err != nil {
		return nil, fmt.Errorf("get voter: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, model.ErrNotFound
	}
	return scanVoter(rows)
}

// ListPending returns a snapshot of all pending records, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context) ([]*model.VoterRecord, error) {
	query := `SELECT ` + voterColumns + ` FROM voters WHERE status = 'pending' ORDER BY created_at ASC`
	return s.list(ctx, query)
}

// ListRetryable returns transiently failed records with fewer than
// maxAttempts attempts. maxAttempts <= 0 means no limit.
func (s *PostgresStore) ListRetryable(ctx context.Context, maxAttempts int) ([]*model.VoterRecord, error) {
	query := `
		SELECT ` + voterColumns + ` FROM voters
		WHERE status = 'failed'
		  AND failure_reason = 'unavailable'
		  AND ($1 <= 0 OR attempts < $1)
		ORDER BY created_at ASC`
	return s.list(ctx, query, maxAttempts)
}

// CountByStatus returns the number of records in each status.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.NotarizationStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM voters GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count voters: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.NotarizationStatus]int, 3)
	for rows.Next() {
		var status model.NotarizationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// missOrConflict distinguishes a missing record from one in the wrong status
// after a conditional update touched no rows.
func (s *PostgresStore) missOrConflict(ctx context.Context, voterID string) error {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM voters WHERE voter_id = $1`, voterID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read voter status: %w", err)
	}
	return model.ErrInvalidTransition
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*model.VoterRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list voters: %w", err)
	}
	defer rows.Close()

	var out []*model.VoterRecord
	for rows.Next() {
		r, err := scanVoter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanVoter reads a single record; column order matches voterColumns.
func scanVoter(rows pgx.Rows) (*model.VoterRecord, error) {
	var r model.VoterRecord
	var sigRaw []byte

	err := rows.Scan(
		&r.ID, &r.VoterID, &r.Name, &r.Address, &r.DOB, &sigRaw, &r.ContentHash,
		&r.Status, &r.LedgerReceipt, &r.FailureReason, &r.Attempts,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan voter: %w", err)
	}
	sig, err := biometric.Decode(sigRaw)
	if err != nil {
		return nil, fmt.Errorf("decode signature for %s: %w", r.VoterID, err)
	}
	r.BiometricSignature = sig
	return &r, nil
}
