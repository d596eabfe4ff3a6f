// Package runner drives one sandboxed workload: it prepares the repository,
// runs the command and streams output and lifecycle events to the control
// plane.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/narvanalabs/sandbox-plane/internal/logstream"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/repo"
)

// Exit codes returned by Run when the workload itself did not decide.
const (
	ExitOK       = 0
	ExitInternal = 1
)

// DefaultOutputLimit bounds the console tail reported in build callbacks.
const DefaultOutputLimit = 64 * 1024

// stopTimeout bounds the final drain after the workload ends.
const stopTimeout = 30 * time.Second

// ExitError reports a workload that exited with a non-zero code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// Config configures a Runner.
type Config struct {
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	GzipLogs          bool
	Tools             repo.Tools
	OutputLimit       int
}

// Runner holds what build and exec runs share.
type Runner struct {
	cfg      Config
	preparer *repo.Preparer
	logger   *slog.Logger
}

// New creates a Runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.Tools.Shell == "" {
		cfg.Tools.Shell = "/bin/sh"
	}
	return &Runner{
		cfg:      cfg,
		preparer: repo.NewPreparer(cfg.Tools, logger),
		logger:   logger,
	}
}

// Command is a resolved workload.
type Command struct {
	Argv []string
	Env  []string
	Dir  string
}

// Job describes one run independent of its kind.
type Job struct {
	Common Common
	Meta   map[string]any
	Events EventSet
	// Label names the run in human-readable lines ("build", "process").
	Label string
	// SkipPrepare runs the command in WorkDir without cloning.
	SkipPrepare     bool
	InstallCommand  string
	InstallOverride func(repoPath string) (string, error)
	// Resolve returns the workload once the repository is ready. An empty
	// Argv means there is nothing to run.
	Resolve func(repoPath string) (Command, error)
}

// Outcome is the result of a run.
type Outcome struct {
	ExitCode int
	Err      error
	// Output is the bounded tail of the console.
	Output string
}

// Run executes job and always stops its streamer before returning.
func (r *Runner) Run(ctx context.Context, job Job) Outcome {
	streamer := logstream.New(logstream.Config{
		URL:               job.Common.IngestURL,
		Meta:              job.Meta,
		FlushInterval:     r.cfg.FlushInterval,
		HeartbeatInterval: r.cfg.HeartbeatInterval,
		HTTPClient:        r.cfg.HTTPClient,
		Gzip:              r.cfg.GzipLogs,
	}, logstream.WithLogger(r.logger))
	streamer.Start(ctx)

	tail := newOutputTail(r.cfg.OutputLimit)
	var emitMu sync.Mutex
	emit := func(stream models.Stream, message string, opts ...logstream.ItemOption) {
		emitMu.Lock()
		defer emitMu.Unlock()
		tail.writeLine(message)
		streamer.Enqueue(stream, message, opts...)
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := streamer.Stop(stopCtx); err != nil {
			r.logger.Warn("final log flush failed", "error", err, "pending", streamer.Pending())
		}
	}()

	outcome := r.run(ctx, job, emit)
	outcome.Output = tail.String()
	return outcome
}

type emitFunc func(stream models.Stream, message string, opts ...logstream.ItemOption)

func (r *Runner) run(ctx context.Context, job Job, emit emitFunc) Outcome {
	fail := func(code int, err error) Outcome {
		emit(models.StreamStderr, fmt.Sprintf("%s failed: %v", job.Label, err),
			logstream.WithEvent(job.Events.Failed.String()),
			logstream.WithExitCode(code),
			logstream.Complete())
		return Outcome{ExitCode: code, Err: err}
	}

	emit(models.StreamStdout, fmt.Sprintf("%s started", job.Label), logstream.WithEvent(job.Events.Started.String()))

	repoPath := job.Common.WorkDir
	if job.SkipPrepare {
		emit(models.StreamStdout, "[prepare] no repository, skipping preparation")
	} else {
		res, err := r.preparer.Prepare(ctx, repo.Options{
			SessionDir:      job.Common.SessionDir,
			RepoURL:         job.Common.RepoURL,
			Token:           job.Common.Token,
			CheckoutTarget:  job.Common.CheckoutTarget,
			IsCommitHash:    job.Common.IsCommitHash,
			WorkDir:         job.Common.WorkDir,
			InstallCommand:  job.InstallCommand,
			InstallOverride: job.InstallOverride,
		}, func(stream models.Stream, message string) {
			emit(stream, "[prepare] "+message)
		})
		if err != nil {
			return fail(ExitInternal, err)
		}
		repoPath = res.RepoPath
	}

	cmd, err := job.Resolve(repoPath)
	if err != nil {
		return fail(ExitInternal, err)
	}
	if len(cmd.Argv) == 0 {
		emit(models.StreamStdout, "nothing to run")
	} else {
		if cmd.Dir == "" {
			cmd.Dir = repoPath
		}
		code, err := execute(ctx, cmd, emit)
		if err != nil {
			return fail(ExitInternal, err)
		}
		if code != 0 {
			return fail(code, &ExitError{Code: code})
		}
	}

	emit(models.StreamStdout, fmt.Sprintf("%s succeeded", job.Label),
		logstream.WithEvent(job.Events.Succeeded.String()),
		logstream.WithExitCode(ExitOK),
		logstream.Complete())
	return Outcome{ExitCode: ExitOK}
}

// execute runs the workload and forwards its output line by line. A non-nil
// error means the process could not be run at all.
func execute(ctx context.Context, c Command, emit emitFunc) (int, error) {
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExitInternal, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ExitInternal, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return ExitInternal, fmt.Errorf("starting %s: %w", c.Argv[0], err)
	}

	var wg sync.WaitGroup
	forward := func(rd io.Reader, stream models.Stream) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			emit(stream, scanner.Text())
		}
	}
	wg.Add(2)
	go forward(stdout, models.StreamStdout)
	go forward(stderr, models.StreamStderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code > 0 {
				return code, nil
			}
			// Killed by a signal.
			return ExitInternal, fmt.Errorf("%s terminated: %w", c.Argv[0], err)
		}
		return ExitInternal, fmt.Errorf("waiting for %s: %w", c.Argv[0], err)
	}
	return ExitOK, nil
}

// outputTail keeps the last limit bytes of console lines.
type outputTail struct {
	limit int
	buf   []byte
}

func newOutputTail(limit int) *outputTail {
	return &outputTail{limit: limit}
}

func (t *outputTail) writeLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *outputTail) String() string {
	return string(t.buf)
}
