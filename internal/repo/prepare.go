// Package repo prepares a repository inside a sandbox: it authenticates the
// forge CLI, clones the checkout target and installs dependencies.
package repo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/narvanalabs/sandbox-plane/internal/models"
)

// stderrTailBytes bounds the stderr kept for a CommandError.
const stderrTailBytes = 4096

// Sink receives progress and command output lines.
type Sink func(stream models.Stream, message string)

// Tools holds the external binaries used during preparation.
type Tools struct {
	Git   string
	Gh    string
	Shell string
}

func (t Tools) withDefaults() Tools {
	if t.Git == "" {
		t.Git = "git"
	}
	if t.Gh == "" {
		t.Gh = "gh"
	}
	if t.Shell == "" {
		t.Shell = "/bin/sh"
	}
	return t
}

// Options describes one preparation.
type Options struct {
	// SessionDir holds per-run state such as the gh config directory.
	SessionDir string
	RepoURL    string
	// Token authenticates the forge CLI. Empty skips authentication.
	Token          string
	CheckoutTarget string
	// IsCommitHash selects a full clone followed by an explicit checkout.
	IsCommitHash bool
	// WorkDir is the clone destination.
	WorkDir string
	// InstallCommand overrides lockfile detection and runs through the shell.
	InstallCommand string
	// InstallOverride, when set, is called after checkout with the repository
	// path. A non-empty result replaces InstallCommand.
	InstallOverride func(repoPath string) (string, error)
}

// Result describes a prepared repository.
type Result struct {
	RepoPath  string
	CommitSHA string
	// Installer is the install command that ran, empty when skipped.
	Installer string
}

// Preparer runs the preparation phases.
type Preparer struct {
	Tools  Tools
	Logger *slog.Logger
}

// NewPreparer creates a Preparer with the given tools.
func NewPreparer(tools Tools, logger *slog.Logger) *Preparer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preparer{Tools: tools, Logger: logger}
}

// Prepare authenticates, clones and installs. It stops at the first failing
// command and returns a *CommandError carrying its stderr.
func (p *Preparer) Prepare(ctx context.Context, opts Options, sink Sink) (*Result, error) {
	if opts.RepoURL == "" {
		return nil, errors.New("repository url is required")
	}
	if opts.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if sink == nil {
		sink = func(models.Stream, string) {}
	}

	logger := p.logger()
	tools := p.Tools.withDefaults()
	r := newRedactor(opts.Token)
	emit := func(format string, args ...any) {
		sink(models.StreamStdout, r.apply(fmt.Sprintf(format, args...)))
	}

	var env []string
	if opts.Token != "" {
		ghConfig := filepath.Join(opts.SessionDir, "gh")
		if err := os.MkdirAll(ghConfig, 0o700); err != nil {
			return nil, &CommandError{Phase: PhaseAuth, ExitCode: -1, Err: fmt.Errorf("creating gh config dir: %w", err)}
		}
		env = append(env, "GH_CONFIG_DIR="+ghConfig)

		emit("authenticating with forge")
		steps := [][]string{
			{"auth", "login", "--with-token"},
			{"auth", "setup-git"},
		}
		for i, args := range steps {
			c := command{phase: PhaseAuth, name: tools.Gh, args: args, env: env}
			if i == 0 {
				c.stdin = opts.Token
			}
			if err := p.run(ctx, c, r, sink); err != nil {
				return nil, err
			}
		}
	} else {
		emit("no access token, skipping authentication")
	}

	if err := os.MkdirAll(filepath.Dir(opts.WorkDir), 0o755); err != nil {
		return nil, &CommandError{Phase: PhaseClone, ExitCode: -1, Err: fmt.Errorf("creating destination directory: %w", err)}
	}

	if opts.IsCommitHash {
		emit("cloning %s", opts.RepoURL)
		clone := command{phase: PhaseClone, name: tools.Git, args: []string{"clone", opts.RepoURL, opts.WorkDir}, env: env}
		if err := p.run(ctx, clone, r, sink); err != nil {
			return nil, err
		}
		emit("checking out %s", opts.CheckoutTarget)
		checkout := command{phase: PhaseCheckout, name: tools.Git, args: []string{"-C", opts.WorkDir, "checkout", "--detach", opts.CheckoutTarget}, env: env}
		if err := p.run(ctx, checkout, r, sink); err != nil {
			return nil, err
		}
	} else {
		args := []string{"clone", "--depth", "1"}
		if opts.CheckoutTarget != "" {
			args = append(args, "--branch", opts.CheckoutTarget)
		}
		args = append(args, opts.RepoURL, opts.WorkDir)
		emit("cloning %s (shallow)", opts.RepoURL)
		if err := p.run(ctx, command{phase: PhaseClone, name: tools.Git, args: args, env: env}, r, sink); err != nil {
			return nil, err
		}
	}

	sha, err := commitSHA(ctx, tools.Git, opts.WorkDir)
	if err != nil {
		logger.Warn("failed to resolve commit sha", "error", err)
	}
	result := &Result{RepoPath: opts.WorkDir, CommitSHA: sha}

	explicit := opts.InstallCommand
	if opts.InstallOverride != nil {
		override, err := opts.InstallOverride(opts.WorkDir)
		if err != nil {
			return nil, &CommandError{Phase: PhaseInstall, ExitCode: -1, Err: err}
		}
		if override != "" {
			explicit = override
		}
	}

	install, ok := installCommand(tools.Shell, opts.WorkDir, explicit)
	if !ok {
		emit("no dependency manifest found, skipping install")
		return result, nil
	}
	emit("installing dependencies: %s", strings.Join(install, " "))
	if err := p.run(ctx, command{phase: PhaseInstall, name: install[0], args: install[1:], dir: opts.WorkDir, env: env}, r, sink); err != nil {
		return nil, err
	}
	result.Installer = strings.Join(install, " ")

	return result, nil
}

func (p *Preparer) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// command is one external invocation.
type command struct {
	phase Phase
	name  string
	args  []string
	dir   string
	env   []string
	stdin string
}

func (p *Preparer) run(ctx context.Context, c command, r redactor, sink Sink) error {
	argv := r.applyAll(append([]string{c.name}, c.args...))

	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), c.env...)
	if c.stdin != "" {
		cmd.Stdin = strings.NewReader(c.stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &CommandError{Phase: c.phase, Args: argv, ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &CommandError{Phase: c.phase, Args: argv, ExitCode: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &CommandError{Phase: c.phase, Args: argv, ExitCode: -1, Err: err}
	}

	var (
		sinkMu sync.Mutex
		tail   tailBuffer
		wg     sync.WaitGroup
	)
	forward := func(rd io.Reader, stream models.Stream, keep bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := r.apply(scanner.Text())
			sinkMu.Lock()
			if keep {
				tail.writeLine(line)
			}
			sink(stream, line)
			sinkMu.Unlock()
		}
	}
	wg.Add(2)
	go forward(stdout, models.StreamStdout, false)
	go forward(stderr, models.StreamStderr, true)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		p.logger().Debug("preparation command failed", "phase", c.phase, "args", argv, "exit_code", exitCode)
		return &CommandError{
			Phase:    c.phase,
			Args:     argv,
			ExitCode: exitCode,
			Stderr:   tail.String(),
			Err:      err,
		}
	}
	return nil
}

// commitSHA returns the HEAD commit of the repository at path.
func commitSHA(ctx context.Context, git, path string) (string, error) {
	out, err := exec.CommandContext(ctx, git, "-C", path, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// installCommand picks the dependency install argv for the repository.
// An explicit command wins; otherwise the first matching lockfile decides.
func installCommand(shell, dir, explicit string) ([]string, bool) {
	if strings.TrimSpace(explicit) != "" {
		return []string{shell, "-c", explicit}, true
	}

	detectors := []struct {
		file string
		argv []string
	}{
		{"pnpm-lock.yaml", []string{"pnpm", "install", "--frozen-lockfile"}},
		{"yarn.lock", []string{"yarn", "install", "--frozen-lockfile"}},
		{"package-lock.json", []string{"npm", "ci"}},
		{"package.json", []string{"npm", "install"}},
		{"go.mod", []string{"go", "mod", "download"}},
	}
	for _, d := range detectors {
		if _, err := os.Stat(filepath.Join(dir, d.file)); err == nil {
			return d.argv, true
		}
	}
	return nil, false
}

// redactor masks the access token in anything that may be reported.
type redactor struct {
	secret string
}

func newRedactor(secret string) redactor {
	return redactor{secret: secret}
}

func (r redactor) apply(s string) string {
	if r.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, r.secret, "***")
}

func (r redactor) applyAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.apply(s)
	}
	return out
}

// tailBuffer keeps the last stderrTailBytes of written lines.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) writeLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - stderrTailBytes; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
