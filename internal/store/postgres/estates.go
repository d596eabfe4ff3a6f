package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// EstateStore implements store.EstateStore using PostgreSQL.
type EstateStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *EstateStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new estate.
func (s *EstateStore) Create(ctx context.Context, e *models.Estate) error {
	query := `
		INSERT INTO estates (id, org_id, name, repo_full_name, repo_url, branch,
			install_command, build_command, encrypted_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.conn().ExecContext(ctx, query,
		e.ID,
		e.OrgID,
		e.Name,
		e.RepoFullName,
		e.RepoURL,
		e.Branch,
		e.InstallCommand,
		e.BuildCommand,
		e.EncryptedToken,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting estate: %w", err)
	}
	return nil
}

const estateColumns = `id, org_id, name, repo_full_name, repo_url, branch,
	install_command, build_command, encrypted_token, created_at, updated_at`

// Get retrieves an estate by ID.
func (s *EstateStore) Get(ctx context.Context, id string) (*models.Estate, error) {
	query := `SELECT ` + estateColumns + ` FROM estates WHERE id = $1`
	return s.scanEstate(s.conn().QueryRowContext(ctx, query, id))
}

// GetByRepo retrieves the estate bound to a repository full name.
func (s *EstateStore) GetByRepo(ctx context.Context, repoFullName string) (*models.Estate, error) {
	query := `SELECT ` + estateColumns + ` FROM estates WHERE lower(repo_full_name) = lower($1)`
	return s.scanEstate(s.conn().QueryRowContext(ctx, query, repoFullName))
}

// List retrieves every estate ordered by creation time.
func (s *EstateStore) List(ctx context.Context) ([]*models.Estate, error) {
	query := `SELECT ` + estateColumns + ` FROM estates ORDER BY created_at, id`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying estates: %w", err)
	}
	defer rows.Close()

	var estates []*models.Estate
	for rows.Next() {
		e, err := s.scanEstate(rows)
		if err != nil {
			return nil, err
		}
		estates = append(estates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating estates: %w", err)
	}
	return estates, nil
}

// SetToken replaces the encrypted repository token of an estate.
func (s *EstateStore) SetToken(ctx context.Context, id, encryptedToken string) error {
	result, err := s.conn().ExecContext(ctx,
		`UPDATE estates SET encrypted_token = $2, updated_at = $3 WHERE id = $1`,
		id, encryptedToken, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating estate token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *EstateStore) scanEstate(row rowScanner) (*models.Estate, error) {
	e := &models.Estate{}
	var install, build, token sql.NullString

	err := row.Scan(
		&e.ID,
		&e.OrgID,
		&e.Name,
		&e.RepoFullName,
		&e.RepoURL,
		&e.Branch,
		&install,
		&build,
		&token,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scanning estate: %w", err)
	}

	e.InstallCommand = install.String
	e.BuildCommand = build.String
	e.EncryptedToken = token.String
	return e, nil
}

// SetEnv creates or replaces one desired environment entry.
func (s *EstateStore) SetEnv(ctx context.Context, env *models.EnvVar) error {
	query := `
		INSERT INTO estate_env (estate_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (estate_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	env.UpdatedAt = time.Now().UTC()
	if _, err := s.conn().ExecContext(ctx, query, env.EstateID, env.Key, env.Value, env.UpdatedAt); err != nil {
		return fmt.Errorf("upserting env var: %w", err)
	}
	return nil
}

// DeleteEnv removes one desired environment entry.
func (s *EstateStore) DeleteEnv(ctx context.Context, estateID, key string) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM estate_env WHERE estate_id = $1 AND key = $2`, estateID, key)
	if err != nil {
		return fmt.Errorf("deleting env var: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListEnv retrieves the desired environment of an estate ordered by key.
func (s *EstateStore) ListEnv(ctx context.Context, estateID string) ([]*models.EnvVar, error) {
	query := `
		SELECT estate_id, key, value, updated_at
		FROM estate_env
		WHERE estate_id = $1
		ORDER BY key`

	rows, err := s.conn().QueryContext(ctx, query, estateID)
	if err != nil {
		return nil, fmt.Errorf("querying env vars: %w", err)
	}
	defer rows.Close()

	var vars []*models.EnvVar
	for rows.Next() {
		v := &models.EnvVar{}
		if err := rows.Scan(&v.EstateID, &v.Key, &v.Value, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning env var: %w", err)
		}
		vars = append(vars, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating env vars: %w", err)
	}
	return vars, nil
}
