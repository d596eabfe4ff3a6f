package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/sandbox-plane/internal/metrics"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/notify"
	"github.com/narvanalabs/sandbox-plane/internal/runner"
	"github.com/narvanalabs/sandbox-plane/internal/sandbox"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// PushEvent is the part of a repository push the pipeline acts on.
type PushEvent struct {
	DeliveryID    string
	RepoFullName  string
	Branch        string
	CommitHash    string
	CommitMessage string
}

// TriggerResult describes the build a push produced.
type TriggerResult struct {
	Build *models.Build
	// Duplicate is set when the delivery was already processed.
	Duplicate bool
}

// TriggerBuild records a build for ev and launches its sandbox.
//
// A push for an unknown repository returns ErrUnknownRepository and one for
// another branch returns ErrBranchMismatch; neither touches the store. A
// repeated delivery returns the original build with Duplicate set. When the
// launch fails the build is completed as failed and the error wraps
// ErrLaunchFailed.
func (s *Service) TriggerBuild(ctx context.Context, ev *PushEvent) (*TriggerResult, error) {
	estate, err := s.store.Estates().GetByRepo(ctx, ev.RepoFullName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownRepository
		}
		return nil, fmt.Errorf("resolving estate: %w", err)
	}
	if ev.Branch != estate.Branch {
		return nil, ErrBranchMismatch
	}

	if ev.DeliveryID != "" {
		if existing, err := s.store.Builds().GetByWebhookEvent(ctx, ev.DeliveryID); err == nil {
			return &TriggerResult{Build: existing, Duplicate: true}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("checking delivery: %w", err)
		}
	}

	build := &models.Build{
		ID:             uuid.New().String(),
		EstateID:       estate.ID,
		Status:         models.BuildStatusInProgress,
		CommitHash:     ev.CommitHash,
		CommitMessage:  ev.CommitMessage,
		Branch:         ev.Branch,
		WebhookEventID: ev.DeliveryID,
		StartedAt:      s.now().UTC(),
	}
	if err := s.store.Builds().Create(ctx, build); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) && ev.DeliveryID != "" {
			existing, getErr := s.store.Builds().GetByWebhookEvent(ctx, ev.DeliveryID)
			if getErr != nil {
				return nil, fmt.Errorf("loading duplicate build: %w", getErr)
			}
			return &TriggerResult{Build: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("creating build: %w", err)
	}

	metrics.IncBuildTransition(string(models.BuildStatusInProgress))
	s.broadcast(ctx, estate.ID, notify.TypeBuildsInvalidate, build.ID)
	s.logger.Info("build triggered",
		"build_id", build.ID,
		"estate_id", estate.ID,
		"commit", build.CommitHash,
		"delivery_id", ev.DeliveryID,
	)

	if err := s.launchBuild(ctx, estate, build); err != nil {
		s.logger.Error("build launch failed", "build_id", build.ID, "error", err)
		s.failBuild(ctx, build, err)
		return &TriggerResult{Build: build}, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	return &TriggerResult{Build: build}, nil
}

func (s *Service) launchBuild(ctx context.Context, estate *models.Estate, build *models.Build) error {
	callbackURL, err := s.signedURL(CallbackPath(build.ID), s.callbackKey, s.callbackTTL)
	if err != nil {
		return fmt.Errorf("signing callback url: %w", err)
	}
	ingestURL, err := s.signedURL(IngestPath(models.TargetBuild, build.ID), s.ingestKey, s.ingestTTL)
	if err != nil {
		return fmt.Errorf("signing ingest url: %w", err)
	}
	token, err := s.openToken(estate)
	if err != nil {
		return err
	}

	checkout, isHash := build.Branch, false
	if build.CommitHash != "" {
		checkout, isHash = build.CommitHash, true
	}

	task := &runner.BuildTask{
		Common: runner.Common{
			RepoURL:        estate.RepoURL,
			Token:          token,
			CheckoutTarget: checkout,
			IsCommitHash:   isHash,
			WorkDir:        s.workDir,
			IngestURL:      ingestURL,
		},
		BuildID:        build.ID,
		EstateID:       estate.ID,
		CallbackURL:    callbackURL,
		InstallCommand: estate.InstallCommand,
		BuildCommand:   estate.BuildCommand,
	}

	start := time.Now()
	_, err = s.launcher.Launch(ctx, &sandbox.Request{
		Kind:     sandbox.KindBuild,
		TargetID: build.ID,
		EstateID: estate.ID,
		Task:     task,
	})
	metrics.ObserveLaunch(sandbox.KindBuild, time.Since(start).Seconds())
	return err
}

// failBuild completes build as failed with cause as output. Losing the race
// to a callback is fine: the callback already decided the outcome.
func (s *Service) failBuild(ctx context.Context, build *models.Build, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now().UTC()
	err := s.store.Builds().Complete(ctx, build.ID, &models.BuildCompletion{
		Status:      models.BuildStatusFailed,
		Output:      "launch failed: " + cause.Error(),
		CompletedAt: now,
	})
	switch {
	case err == nil:
		build.Status = models.BuildStatusFailed
		build.Output = "launch failed: " + cause.Error()
		build.CompletedAt = &now
		metrics.IncBuildTransition(string(models.BuildStatusFailed))
	case errors.Is(err, store.ErrConcurrentModification):
		if current, getErr := s.store.Builds().Get(ctx, build.ID); getErr == nil {
			*build = *current
		}
	default:
		s.logger.Error("failed to mark build failed", "build_id", build.ID, "error", err)
		return
	}
	s.broadcast(ctx, build.EstateID, notify.TypeBuildsInvalidate, build.ID)
}

// CompleteResult reports what a callback did.
type CompleteResult struct {
	Updated bool
	Build   *models.Build
}

// CompleteBuild applies a runner callback. The first terminal status wins;
// later callbacks return Updated false with the stored build.
func (s *Service) CompleteBuild(ctx context.Context, buildID string, result *runner.CallbackResult) (*CompleteResult, error) {
	status := models.BuildStatus(result.Status)
	completion := &models.BuildCompletion{
		Status:      status,
		Output:      result.Output,
		ExitCode:    &result.ExitCode,
		CompletedAt: s.now().UTC(),
	}
	if err := completion.Validate(); err != nil {
		return nil, err
	}

	err := s.store.Builds().Complete(ctx, buildID, completion)
	updated := err == nil
	if err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return nil, err
	}

	build, err := s.store.Builds().Get(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("loading build: %w", err)
	}

	if updated {
		metrics.IncBuildTransition(string(status))
		s.broadcast(ctx, build.EstateID, notify.TypeBuildsInvalidate, build.ID)
		s.logger.Info("build completed", "build_id", buildID, "status", status, "exit_code", result.ExitCode)
	} else {
		s.logger.Info("ignoring callback for terminal build", "build_id", buildID, "status", build.Status)
	}
	return &CompleteResult{Updated: updated, Build: build}, nil
}
