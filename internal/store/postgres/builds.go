package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// BuildStore implements store.BuildStore using PostgreSQL.
type BuildStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *BuildStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const buildColumns = `id, estate_id, status, commit_hash, commit_message, branch,
	webhook_event_id, started_at, completed_at, output, exit_code`

// Create creates a new build.
func (s *BuildStore) Create(ctx context.Context, build *models.Build) error {
	query := `
		INSERT INTO builds (id, estate_id, status, commit_hash, commit_message, branch,
			webhook_event_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if build.StartedAt.IsZero() {
		build.StartedAt = time.Now().UTC()
	}

	var eventID sql.NullString
	if build.WebhookEventID != "" {
		eventID = sql.NullString{String: build.WebhookEventID, Valid: true}
	}

	_, err := s.conn().ExecContext(ctx, query,
		build.ID,
		build.EstateID,
		build.Status,
		build.CommitHash,
		build.CommitMessage,
		build.Branch,
		eventID,
		build.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting build: %w", err)
	}

	return nil
}

// Get retrieves a build by ID.
func (s *BuildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`
	return s.scanBuild(s.conn().QueryRowContext(ctx, query, id))
}

// GetByWebhookEvent retrieves the build created for a webhook delivery.
func (s *BuildStore) GetByWebhookEvent(ctx context.Context, eventID string) (*models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE webhook_event_id = $1`
	return s.scanBuild(s.conn().QueryRowContext(ctx, query, eventID))
}

// ListByEstate retrieves the most recent builds of an estate.
func (s *BuildStore) ListByEstate(ctx context.Context, estateID string, limit int) ([]*models.Build, error) {
	query := `SELECT ` + buildColumns + `
		FROM builds
		WHERE estate_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, estateID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		b, err := s.scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}
	return builds, nil
}

// Complete moves an in_progress build to a terminal status with a
// compare-and-set on the current status.
func (s *BuildStore) Complete(ctx context.Context, id string, c *models.BuildCompletion) error {
	if err := c.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE builds
		SET status = $2, output = $3, exit_code = $4, completed_at = $5
		WHERE id = $1 AND status = 'in_progress'`

	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	var exitCode sql.NullInt64
	if c.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*c.ExitCode), Valid: true}
	}

	result, err := s.conn().ExecContext(ctx, query, id, c.Status, c.Output, exitCode, completedAt)
	if err != nil {
		return fmt.Errorf("completing build: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return casMiss(ctx, s.conn(), "builds", id)
	}

	s.logger.Debug("build completed", "build_id", id, "status", c.Status)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *BuildStore) scanBuild(row rowScanner) (*models.Build, error) {
	b := &models.Build{}
	var eventID, output sql.NullString
	var completedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(
		&b.ID,
		&b.EstateID,
		&b.Status,
		&b.CommitHash,
		&b.CommitMessage,
		&b.Branch,
		&eventID,
		&b.StartedAt,
		&completedAt,
		&output,
		&exitCode,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scanning build: %w", err)
	}

	b.WebhookEventID = eventID.String
	b.Output = output.String
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		b.ExitCode = &code
	}
	return b, nil
}

// casMiss distinguishes a missing row from one that is no longer in_progress
// after a compare-and-set update affected zero rows.
func casMiss(ctx context.Context, q queryable, table, id string) error {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking %s existence: %w", table, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConcurrentModification
}
