// Package main provides the sandbox runner entry point.
//
//	runner build '<json>'
//	runner exec '<json>'
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/sandbox-plane/internal/repo"
	"github.com/narvanalabs/sandbox-plane/internal/runner"
	"github.com/narvanalabs/sandbox-plane/pkg/config"
	"github.com/narvanalabs/sandbox-plane/pkg/logger"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the CLI and returns the process exit code.
func execute(args []string) int {
	cfg := config.LoadRunner()
	log := logger.New(logger.ParseLevel(cfg.LogLevel), true).WithComponent("runner")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := runner.ExitOK
	root := buildRoot(ctx, cfg, log, &exitCode)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return runner.ExitInternal
	}
	return exitCode
}

func newRunner(cfg *config.RunnerConfig, log *logger.Logger) *runner.Runner {
	return runner.New(runner.Config{
		FlushInterval:     cfg.FlushInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HTTPClient:        &http.Client{Timeout: cfg.HTTPTimeout},
		GzipLogs:          cfg.GzipLogs,
		Tools: repo.Tools{
			Git:   cfg.GitBinary,
			Gh:    cfg.GhBinary,
			Shell: cfg.Shell,
		},
	}, log.Logger)
}

// buildRoot creates the root command with the build and exec subcommands.
func buildRoot(ctx context.Context, cfg *config.RunnerConfig, log *logger.Logger, exitCode *int) *cobra.Command {
	root := &cobra.Command{
		Use:           "runner",
		Short:         "Run a build or command inside a sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "build <json>",
			Short: "Clone, install and build a repository, then report through the callback URL",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				task, err := runner.ParseBuildTask(args[0])
				if err != nil {
					return err
				}
				r := newRunner(cfg, log)
				b := &runner.BuildRunner{
					Runner:   r,
					Callback: runner.NewCallbackClient(&http.Client{Timeout: cfg.HTTPTimeout}, log.Logger),
					Logger:   log.Logger,
				}
				*exitCode = b.Run(ctx, task)
				return nil
			},
		},
		&cobra.Command{
			Use:   "exec <json>",
			Short: "Run an ad-hoc command and stream its output",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				task, err := runner.ParseExecTask(args[0])
				if err != nil {
					return err
				}
				e := &runner.ExecRunner{Runner: newRunner(cfg, log)}
				*exitCode = e.Run(ctx, task)
				return nil
			},
		},
	)

	return root
}
