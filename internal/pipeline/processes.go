package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/sandbox-plane/internal/metrics"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/notify"
	"github.com/narvanalabs/sandbox-plane/internal/runner"
	"github.com/narvanalabs/sandbox-plane/internal/sandbox"
	"github.com/narvanalabs/sandbox-plane/internal/store"
	"github.com/narvanalabs/sandbox-plane/internal/validation"
)

// ProcessRequest asks for a command to run in a fresh sandbox of an estate.
type ProcessRequest struct {
	Command []string
	Env     map[string]string
	// Ref is a branch, or a full commit SHA, to check out. Empty uses the
	// estate branch.
	Ref string
	// Commit checks out this commit, which may be abbreviated. It wins
	// over Ref.
	Commit string
	// NoCheckout runs the command without cloning the repository.
	NoCheckout bool
}

// RunProcess creates a process record and launches the exec runner. The
// estate's decrypted environment is passed to the command with req.Env
// taking precedence.
func (s *Service) RunProcess(ctx context.Context, estateID string, req *ProcessRequest) (*models.Process, error) {
	if len(req.Command) == 0 || strings.TrimSpace(req.Command[0]) == "" {
		return nil, ErrInvalidCommand
	}
	if req.Commit != "" && !isAbbrevCommit(req.Commit) {
		return nil, ErrInvalidCommit
	}

	if err := validation.ValidateEnv(req.Env); err != nil {
		return nil, err
	}

	estate, err := s.store.Estates().Get(ctx, estateID)
	if err != nil {
		return nil, err
	}

	base, err := s.estateEnv(ctx, estate.ID)
	if err != nil {
		return nil, err
	}
	env := validation.MergeEnv(base, req.Env)

	proc := &models.Process{
		ID:        uuid.New().String(),
		EstateID:  estate.ID,
		Command:   req.Command,
		Status:    models.BuildStatusInProgress,
		StartedAt: s.now().UTC(),
	}
	if err := s.store.Processes().Create(ctx, proc); err != nil {
		return nil, fmt.Errorf("creating process: %w", err)
	}
	s.broadcast(ctx, estate.ID, notify.TypeProcessesInvalidate, proc.ID)

	if err := s.launchProcess(ctx, estate, proc, req, env); err != nil {
		s.logger.Error("process launch failed", "process_id", proc.ID, "error", err)
		s.finishProcess(context.WithoutCancel(ctx), proc.ID, models.BuildStatusFailed, nil)
		proc.Status = models.BuildStatusFailed
		return proc, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	s.logger.Info("process started", "process_id", proc.ID, "estate_id", estate.ID)
	return proc, nil
}

func (s *Service) estateEnv(ctx context.Context, estateID string) (map[string]string, error) {
	vars, err := s.store.Estates().ListEnv(ctx, estateID)
	if err != nil {
		return nil, fmt.Errorf("loading estate env: %w", err)
	}
	env := make(map[string]string, len(vars))
	if len(vars) > 0 && s.secrets == nil {
		return nil, errors.New("estate env is encrypted but no decryption key is configured")
	}
	for _, v := range vars {
		plain, err := s.secrets.Open(v.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", v.Key, err)
		}
		env[v.Key] = plain
	}
	return env, nil
}

func (s *Service) launchProcess(ctx context.Context, estate *models.Estate, proc *models.Process, req *ProcessRequest, env map[string]string) error {
	ingestURL, err := s.signedURL(IngestPath(models.TargetProcess, proc.ID), s.ingestKey, s.ingestTTL)
	if err != nil {
		return fmt.Errorf("signing ingest url: %w", err)
	}

	common := runner.Common{
		WorkDir:   s.workDir,
		IngestURL: ingestURL,
	}
	if !req.NoCheckout {
		token, err := s.openToken(estate)
		if err != nil {
			return err
		}
		ref := req.Ref
		if ref == "" {
			ref = estate.Branch
		}
		common.RepoURL = estate.RepoURL
		common.Token = token
		common.CheckoutTarget = ref
		common.IsCommitHash = isCommitHash(ref)
		if req.Commit != "" {
			common.CheckoutTarget = req.Commit
			common.IsCommitHash = true
		}
	}

	task := &runner.ExecTask{
		Common:    common,
		ProcessID: proc.ID,
		EstateID:  estate.ID,
		Command:   proc.Command,
		Env:       env,
	}

	start := time.Now()
	_, err = s.launcher.Launch(ctx, &sandbox.Request{
		Kind:     sandbox.KindExec,
		TargetID: proc.ID,
		EstateID: estate.ID,
		Task:     task,
	})
	metrics.ObserveLaunch(sandbox.KindExec, time.Since(start).Seconds())
	return err
}

// finishProcess completes a process unless something else already did.
func (s *Service) finishProcess(ctx context.Context, id string, status models.BuildStatus, exitCode *int) {
	err := s.store.Processes().Complete(ctx, id, status, exitCode, s.now().UTC())
	switch {
	case err == nil:
		proc, getErr := s.store.Processes().Get(ctx, id)
		if getErr == nil {
			s.broadcast(ctx, proc.EstateID, notify.TypeProcessesInvalidate, id)
		}
		s.logger.Info("process completed", "process_id", id, "status", status)
	case errors.Is(err, store.ErrConcurrentModification):
		s.logger.Debug("process already terminal", "process_id", id)
	default:
		s.logger.Error("failed to complete process", "process_id", id, "error", err)
	}
}
