package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/narvanalabs/sandbox-plane/internal/logs"
	"github.com/narvanalabs/sandbox-plane/internal/metrics"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/runner"
)

// IngestLogs stores a batch shipped by a sandbox streamer and publishes it to
// live subscribers. Items already stored are skipped, so a retried batch is
// harmless. A complete exec event finalises its process.
func (s *Service) IngestLogs(ctx context.Context, kind models.TargetKind, targetID string, items []models.LogItem) (int, error) {
	if err := s.ensureTarget(ctx, kind, targetID); err != nil {
		return 0, err
	}
	for i := range items {
		if items[i].Seq <= 0 || !items[i].Stream.Valid() {
			return 0, fmt.Errorf("%w: item %d", ErrInvalidLogs, i)
		}
	}

	stored, err := s.store.Logs().Append(ctx, kind, targetID, items)
	if err != nil {
		return 0, fmt.Errorf("storing logs: %w", err)
	}
	metrics.AddIngested(string(kind), stored)

	if s.publisher != nil && len(items) > 0 {
		entries := make([]*models.LogEntry, 0, len(items))
		for _, it := range items {
			entries = append(entries, &models.LogEntry{
				TargetKind: kind,
				TargetID:   targetID,
				Seq:        it.Seq,
				Stream:     it.Stream,
				Message:    it.Message,
				Event:      it.Event,
				Timestamp:  time.UnixMilli(it.TS).UTC(),
			})
		}
		s.publisher.Publish(entries)
	}

	for _, it := range items {
		if !it.Complete {
			continue
		}
		if kind == models.TargetProcess {
			s.completeFromEvent(ctx, targetID, it)
		}
		if s.publisher != nil {
			s.publisher.Forget(logs.Target{Kind: kind, ID: targetID})
		}
	}
	return stored, nil
}

func (s *Service) ensureTarget(ctx context.Context, kind models.TargetKind, id string) error {
	switch kind {
	case models.TargetBuild:
		_, err := s.store.Builds().Get(ctx, id)
		return err
	case models.TargetProcess:
		_, err := s.store.Processes().Get(ctx, id)
		return err
	}
	return fmt.Errorf("%w: unknown target kind %q", ErrInvalidLogs, kind)
}

func (s *Service) completeFromEvent(ctx context.Context, id string, it models.LogItem) {
	ev, ok := runner.ParseExecEvent(it.Event)
	if !ok {
		return
	}
	var status models.BuildStatus
	switch ev {
	case runner.ProcessSucceeded:
		status = models.BuildStatusCompleted
	case runner.ProcessFailed:
		status = models.BuildStatusFailed
	default:
		return
	}
	s.finishProcess(ctx, id, status, it.ExitCode)
}
