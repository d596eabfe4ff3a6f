package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/sandbox-plane/internal/models"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *LogStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append stores items for a target. Redelivered items are ignored through
// the (target_kind, target_id, seq) unique key.
func (s *LogStore) Append(ctx context.Context, kind models.TargetKind, targetID string, items []models.LogItem) (int, error) {
	query := `
		INSERT INTO log_items (id, target_kind, target_id, seq, stream, message, event, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (target_kind, target_id, seq) DO NOTHING`

	inserted := 0
	for _, item := range items {
		var event sql.NullString
		if item.Event != "" {
			event = sql.NullString{String: item.Event, Valid: true}
		}
		ts := time.UnixMilli(item.TS).UTC()
		if item.TS == 0 {
			ts = time.Now().UTC()
		}

		result, err := s.conn().ExecContext(ctx, query,
			uuid.New().String(),
			kind,
			targetID,
			item.Seq,
			item.Stream,
			item.Message,
			event,
			ts,
		)
		if err != nil {
			return inserted, fmt.Errorf("inserting log item %d: %w", item.Seq, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	return inserted, nil
}

// List retrieves stored items with seq greater than afterSeq in seq order.
func (s *LogStore) List(ctx context.Context, kind models.TargetKind, targetID string, afterSeq int64, limit int) ([]*models.LogEntry, error) {
	query := `
		SELECT id, target_kind, target_id, seq, stream, message, event, ts
		FROM log_items
		WHERE target_kind = $1 AND target_id = $2 AND seq > $3
		ORDER BY seq
		LIMIT $4`

	rows, err := s.conn().QueryContext(ctx, query, kind, targetID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		e := &models.LogEntry{}
		var event sql.NullString
		if err := rows.Scan(&e.ID, &e.TargetKind, &e.TargetID, &e.Seq, &e.Stream, &e.Message, &event, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		e.Event = event.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating logs: %w", err)
	}
	return entries, nil
}
