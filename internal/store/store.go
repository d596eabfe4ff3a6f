// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/sandbox-plane/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateKey is returned when attempting to create a resource with a duplicate key.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConcurrentModification is returned when a compare-and-set update finds
	// the row no longer in the expected state.
	ErrConcurrentModification = errors.New("resource was modified by another request")
)

// EstateStore defines operations for estate management.
type EstateStore interface {
	// Create creates a new estate.
	Create(ctx context.Context, estate *models.Estate) error
	// Get retrieves an estate by ID.
	Get(ctx context.Context, id string) (*models.Estate, error)
	// GetByRepo retrieves the estate bound to a repository full name (owner/name).
	GetByRepo(ctx context.Context, repoFullName string) (*models.Estate, error)
	// List retrieves every estate ordered by creation time.
	List(ctx context.Context) ([]*models.Estate, error)
	// SetToken replaces the encrypted repository token of an estate.
	SetToken(ctx context.Context, id, encryptedToken string) error
	// SetEnv creates or replaces one desired environment entry.
	SetEnv(ctx context.Context, env *models.EnvVar) error
	// DeleteEnv removes one desired environment entry.
	DeleteEnv(ctx context.Context, estateID, key string) error
	// ListEnv retrieves the desired environment of an estate ordered by key.
	ListEnv(ctx context.Context, estateID string) ([]*models.EnvVar, error)
}

// BuildStore defines operations for build records.
type BuildStore interface {
	// Create inserts a build. A second build with the same webhook event id
	// yields ErrDuplicateKey.
	Create(ctx context.Context, build *models.Build) error
	// Get retrieves a build by ID.
	Get(ctx context.Context, id string) (*models.Build, error)
	// GetByWebhookEvent retrieves the build created for a webhook delivery.
	GetByWebhookEvent(ctx context.Context, eventID string) (*models.Build, error)
	// ListByEstate retrieves the most recent builds of an estate.
	ListByEstate(ctx context.Context, estateID string, limit int) ([]*models.Build, error)
	// Complete moves an in_progress build to a terminal status.
	// It returns ErrConcurrentModification if the build is already terminal.
	Complete(ctx context.Context, id string, c *models.BuildCompletion) error
}

// ProcessStore defines operations for ad-hoc command records.
type ProcessStore interface {
	// Create inserts a process.
	Create(ctx context.Context, p *models.Process) error
	// Get retrieves a process by ID.
	Get(ctx context.Context, id string) (*models.Process, error)
	// Complete moves an in_progress process to a terminal status.
	// It returns ErrConcurrentModification if the process is already terminal.
	Complete(ctx context.Context, id string, status models.BuildStatus, exitCode *int, completedAt time.Time) error
}

// LogStore defines operations for ingested log items.
type LogStore interface {
	// Append stores items for a target, ignoring items whose seq was already
	// stored. It returns the number of newly stored items.
	Append(ctx context.Context, kind models.TargetKind, targetID string, items []models.LogItem) (int, error)
	// List retrieves stored items with seq greater than afterSeq in seq order.
	List(ctx context.Context, kind models.TargetKind, targetID string, afterSeq int64, limit int) ([]*models.LogEntry, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Estates returns the EstateStore for estate operations.
	Estates() EstateStore
	// Builds returns the BuildStore for build operations.
	Builds() BuildStore
	// Processes returns the ProcessStore for process operations.
	Processes() ProcessStore
	// Logs returns the LogStore for log operations.
	Logs() LogStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}
