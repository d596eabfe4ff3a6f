// Package bootstrap keeps an estate agent's environment in sync with the
// control plane.
//
// The agent fetches its desired environment once at start (Bootstrap) and
// then periodically (Scheduler). Each run rewrites the env file and, when
// running unattended, restarts the supervised services unless a restart
// happened within the guard TTL.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/narvanalabs/sandbox-plane/internal/metrics"
)

// Default reconcile cadence.
const (
	DefaultInterval = 30 * time.Minute
	DefaultJitter   = 5 * time.Minute
)

// ErrNotConfigured is returned by RunOnce when no control plane is configured.
var ErrNotConfigured = errors.New("control plane not configured")

// Mode selects whether a run may restart services.
type Mode int

const (
	// ModeManual applies the environment without restarting anything.
	ModeManual Mode = iota
	// ModeAutomatic restarts services after a change, subject to the guard.
	ModeAutomatic
)

func (m Mode) String() string {
	if m == ModeAutomatic {
		return "automatic"
	}
	return "manual"
}

// ControlPlane fetches the desired environment of the agent's estate.
type ControlPlane interface {
	FetchEnv(ctx context.Context) (map[string]string, error)
}

// Decrypter opens the age-armored values served by the control plane.
type Decrypter interface {
	OpenAll(env map[string]string) (map[string]string, error)
}

// Restarter restarts the services that read the env file.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Config configures a Scheduler.
type Config struct {
	EnvFile  string
	Interval time.Duration
	Jitter   time.Duration
}

// Scheduler runs periodic reconciliation. The zero value is not usable; use
// NewScheduler.
type Scheduler struct {
	cp        ControlPlane
	decrypter Decrypter
	restarter Restarter
	guard     *RestartGuard
	envFile   string
	interval  time.Duration
	jitter    time.Duration
	logger    *slog.Logger

	// jitterFn returns a value in [0, 1).
	jitterFn func() float64

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	runMu   sync.Mutex
}

// NewScheduler creates a scheduler. A nil cp disables reconciliation.
func NewScheduler(cfg Config, cp ControlPlane, decrypter Decrypter, restarter Restarter, guard *RestartGuard, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter >= cfg.Interval {
		cfg.Jitter = cfg.Interval / 2
	}
	return &Scheduler{
		cp:        cp,
		decrypter: decrypter,
		restarter: restarter,
		guard:     guard,
		envFile:   cfg.EnvFile,
		interval:  cfg.Interval,
		jitter:    cfg.Jitter,
		logger:    logger,
		jitterFn:  rand.Float64,
	}
}

// Configured reports whether a control plane is available.
func (s *Scheduler) Configured() bool {
	return s.cp != nil
}

// NextDelay returns the wait before the next run: the interval shifted by a
// uniform offset in [-jitter, +jitter).
func (s *Scheduler) NextDelay() time.Duration {
	return nextDelay(s.interval, s.jitter, s.jitterFn())
}

func nextDelay(interval, jitter time.Duration, r float64) time.Duration {
	offset := time.Duration((2*r - 1) * float64(jitter))
	return interval + offset
}

// Start launches the periodic loop in the background. It does nothing when
// the control plane is not configured or the loop is already running.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.Configured() {
		s.logger.Info("control plane not configured, reconciliation disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.Info("starting reconciliation", "interval", s.interval, "jitter", s.jitter)
	go s.loop(ctx, s.stop, s.done)
}

// Stop ends the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("reconciliation stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		// The delay is redrawn every cycle so agents started together drift apart.
		timer := time.NewTimer(s.NextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx, ModeAutomatic); err != nil {
			// A control plane outage must not take the agent down.
			s.logger.Warn("periodic reconciliation failed", "error", err)
		}
	}
}

// Bootstrap performs the initial synchronous fetch and apply at agent start.
// Callers treat its error as fatal. Without a control plane it does nothing.
func (s *Scheduler) Bootstrap(ctx context.Context) (*ApplyResult, error) {
	if !s.Configured() {
		return &ApplyResult{}, nil
	}
	res, err := s.RunOnce(ctx, ModeManual)
	if err != nil {
		return nil, fmt.Errorf("initial bootstrap: %w", err)
	}
	return res, nil
}

// RunOnce fetches, decrypts and applies the desired environment. In
// ModeAutomatic a change triggers a restart unless the guard suppresses it.
// Concurrent calls are serialised.
func (s *Scheduler) RunOnce(ctx context.Context, mode Mode) (*ApplyResult, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	res, err := s.apply(ctx)
	metrics.ObserveReconcile(err == nil)
	if err != nil {
		return nil, err
	}

	s.logger.Info("environment reconciled",
		"mode", mode.String(),
		"injected", res.Injected,
		"removed", res.Removed,
		"changed", res.Changed,
		"skipped", res.Skipped,
	)

	if mode == ModeAutomatic && res.HasChanges() {
		res.Restarted, err = s.maybeRestart(ctx)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Scheduler) apply(ctx context.Context) (*ApplyResult, error) {
	sealed, err := s.cp.FetchEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching environment: %w", err)
	}
	env, err := s.decrypter.OpenAll(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting environment: %w", err)
	}
	if keys := Unencodable(env); len(keys) > 0 {
		s.logger.Warn("leaving values out of env file", "keys", keys)
	}
	res, err := ApplyEnvFile(s.envFile, env)
	if err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	return res, nil
}

func (s *Scheduler) maybeRestart(ctx context.Context) (bool, error) {
	if s.restarter == nil {
		return false, nil
	}
	if s.guard != nil {
		recent, err := s.guard.Recent()
		if err != nil {
			s.logger.Warn("reading restart guard", "error", err)
		}
		if recent {
			s.logger.Info("restart suppressed by recent restart marker", "path", s.guard.Path)
			metrics.IncRestart("suppressed")
			return false, nil
		}
		if err := s.guard.Mark(); err != nil {
			// Without a marker a failing restart could loop; skip it.
			metrics.IncRestart("failed")
			return false, fmt.Errorf("writing restart marker: %w", err)
		}
	}

	if err := s.restarter.Restart(ctx); err != nil {
		metrics.IncRestart("failed")
		return false, fmt.Errorf("restarting services: %w", err)
	}
	metrics.IncRestart("restarted")
	s.logger.Info("services restarted after environment change")
	return true, nil
}
