package runner

import (
	"context"
	"log/slog"

	"github.com/narvanalabs/sandbox-plane/internal/models"
)

// BuildRunner runs a repository build and reports it through the signed callback.
type BuildRunner struct {
	Runner   *Runner
	Callback *CallbackClient
	Logger   *slog.Logger
}

// Run executes the build and returns the process exit code.
func (b *BuildRunner) Run(ctx context.Context, task *BuildTask) int {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("build_id", task.BuildID, "estate_id", task.EstateID)

	var sandboxFile *SandboxFile
	job := Job{
		Common: task.Common,
		Meta: map[string]any{
			"buildId":  task.BuildID,
			"estateId": task.EstateID,
			"kind":     string(models.TargetBuild),
		},
		Events:         BuildEvents,
		Label:          "build",
		InstallCommand: task.InstallCommand,
		InstallOverride: func(repoPath string) (string, error) {
			f, err := LoadSandboxFile(repoPath)
			if err != nil {
				return "", err
			}
			sandboxFile = f
			if f == nil {
				return "", nil
			}
			return f.Install, nil
		},
		Resolve: func(repoPath string) (Command, error) {
			command := task.BuildCommand
			var env []string
			if sandboxFile != nil {
				if sandboxFile.Build != "" {
					command = sandboxFile.Build
				}
				env = envList(sandboxFile.Env)
			}
			if command == "" {
				return Command{}, nil
			}
			return Command{Argv: []string{b.Runner.cfg.Tools.Shell, "-c", command}, Env: env}, nil
		},
	}

	outcome := b.Runner.Run(ctx, job)

	if task.CallbackURL == "" {
		logger.Warn("no callback url, build result not reported")
		return outcome.ExitCode
	}

	status := models.BuildStatusCompleted
	if outcome.ExitCode != ExitOK {
		status = models.BuildStatusFailed
	}
	callback := b.Callback
	if callback == nil {
		callback = NewCallbackClient(b.Runner.cfg.HTTPClient, logger)
	}
	if err := callback.Post(ctx, task.CallbackURL, CallbackResult{
		Status:   string(status),
		ExitCode: outcome.ExitCode,
		Output:   outcome.Output,
	}); err != nil {
		logger.Error("failed to report build result", "error", err)
	}

	return outcome.ExitCode
}
