package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// ProcessStore implements store.ProcessStore using PostgreSQL.
type ProcessStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ProcessStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new process.
func (s *ProcessStore) Create(ctx context.Context, p *models.Process) error {
	query := `
		INSERT INTO processes (id, estate_id, command, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`

	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}

	_, err := s.conn().ExecContext(ctx, query, p.ID, p.EstateID, pq.Array(p.Command), p.Status, p.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting process: %w", err)
	}
	return nil
}

// Get retrieves a process by ID.
func (s *ProcessStore) Get(ctx context.Context, id string) (*models.Process, error) {
	query := `
		SELECT id, estate_id, command, status, exit_code, started_at, completed_at
		FROM processes
		WHERE id = $1`

	p := &models.Process{}
	var exitCode sql.NullInt64
	var completedAt sql.NullTime

	err := s.conn().QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.EstateID,
		pq.Array(&p.Command),
		&p.Status,
		&exitCode,
		&p.StartedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying process: %w", err)
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		p.ExitCode = &code
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return p, nil
}

// Complete moves an in_progress process to a terminal status with a
// compare-and-set on the current status.
func (s *ProcessStore) Complete(ctx context.Context, id string, status models.BuildStatus, exitCode *int, completedAt time.Time) error {
	if !status.IsTerminal() {
		return models.ErrInvalidTransition
	}

	query := `
		UPDATE processes
		SET status = $2, exit_code = $3, completed_at = $4
		WHERE id = $1 AND status = 'in_progress'`

	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	result, err := s.conn().ExecContext(ctx, query, id, status, code, completedAt)
	if err != nil {
		return fmt.Errorf("completing process: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return casMiss(ctx, s.conn(), "processes", id)
	}
	return nil
}
