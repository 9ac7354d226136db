package invocation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflow_invocations (
	id            TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	history_id    TEXT NOT NULL,
	state         TEXT NOT NULL,
	scheduler_id  TEXT NOT NULL DEFAULT '',
	handler_id    TEXT NOT NULL DEFAULT '',
	document      JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invocations_active
	ON workflow_invocations (handler_id, scheduler_id, id)
	WHERE state IN ('new', 'ready');

CREATE INDEX IF NOT EXISTS idx_invocations_history
	ON workflow_invocations (history_id);
`

// PostgresInvocationStore implements InvocationStore on PostgreSQL. The full
// invocation document is stored as JSONB; the columns queried by the request
// monitor are denormalized and indexed.
type PostgresInvocationStore struct {
	db *sql.DB
}

// NewPostgresInvocationStore opens a store on the given connection string
// and ensures the schema exists.
func NewPostgresInvocationStore(ctx context.Context, connStr string) (*PostgresInvocationStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresInvocationStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresInvocationStore) Close() error {
	return s.db.Close()
}

// SaveInvocation upserts the invocation document. It runs in a transaction
// that locks the existing row and merges in reviewer actions already stored
// there, so a save made from an older copy cannot discard a decision posted
// in the meantime.
func (s *PostgresInvocationStore) SaveInvocation(ctx context.Context, inv *Invocation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	saved := inv.Copy()
	var storedDoc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT document FROM workflow_invocations WHERE id = $1 FOR UPDATE`,
		inv.ID).Scan(&storedDoc)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load stored invocation: %w", err)
	}
	if storedDoc != nil {
		var stored Invocation
		if err := json.Unmarshal(storedDoc, &stored); err == nil {
			saved.MergeStepActions(&stored)
		}
	}

	document, err := json.Marshal(saved)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_invocations
			(id, workflow_name, history_id, state, scheduler_id, handler_id, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			scheduler_id = EXCLUDED.scheduler_id,
			handler_id = EXCLUDED.handler_id,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		saved.ID, saved.WorkflowName, saved.HistoryID, string(saved.State),
		saved.SchedulerID, saved.HandlerID, document, saved.CreatedAt, saved.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save invocation: %w", err)
	}
	return tx.Commit()
}

// SetStepAction records a reviewer decision directly on the stored document
// under a row lock, without touching the rest of the invocation.
func (s *PostgresInvocationStore) SetStepAction(ctx context.Context, invocationID, stepID string, action bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var storedDoc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT document FROM workflow_invocations WHERE id = $1 FOR UPDATE`,
		invocationID).Scan(&storedDoc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvocationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load stored invocation: %w", err)
	}
	var inv Invocation
	if err := json.Unmarshal(storedDoc, &inv); err != nil {
		return fmt.Errorf("failed to unmarshal invocation: %w", err)
	}
	setRecordAction(&inv, stepID, action)

	document, err := json.Marshal(&inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_invocations SET document = $2, updated_at = $3 WHERE id = $1`,
		invocationID, document, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record step action: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresInvocationStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM workflow_invocations WHERE id = $1`, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invocation: %w", err)
	}
	var inv Invocation
	if err := json.Unmarshal(document, &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invocation: %w", err)
	}
	return &inv, nil
}

func (s *PostgresInvocationStore) ActiveInvocationIDs(ctx context.Context, handlerID, schedulerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workflow_invocations
		WHERE state IN ('new', 'ready')
			AND ($1 = '' OR handler_id = $1)
			AND ($2 = '' OR scheduler_id = $2)
		ORDER BY id`, handlerID, schedulerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active invocations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan invocation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active invocations: %w", err)
	}
	return ids, nil
}

func (s *PostgresInvocationStore) DeleteInvocation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_invocations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete invocation: %w", err)
	}
	return nil
}
