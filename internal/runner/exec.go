package runner

import (
	"context"

	"github.com/narvanalabs/sandbox-plane/internal/models"
)

// ExecRunner runs an ad-hoc command. Its terminal log item finalizes the
// process record on the control plane.
type ExecRunner struct {
	Runner *Runner
}

// Run executes the command and returns the process exit code.
func (e *ExecRunner) Run(ctx context.Context, task *ExecTask) int {
	job := Job{
		Common: task.Common,
		Meta: map[string]any{
			"processId": task.ProcessID,
			"estateId":  task.EstateID,
			"kind":      string(models.TargetProcess),
		},
		Events:      ExecEvents,
		Label:       "process",
		SkipPrepare: task.RepoURL == "",
		Resolve: func(string) (Command, error) {
			return Command{Argv: task.Command, Env: envList(task.Env)}, nil
		},
	}
	return e.Runner.Run(ctx, job).ExitCode
}
