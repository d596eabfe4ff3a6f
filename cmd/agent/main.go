// Package main provides the long-running estate agent. It pulls the estate's
// desired environment from the control plane at start and keeps it in sync.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/narvanalabs/sandbox-plane/internal/bootstrap"
	"github.com/narvanalabs/sandbox-plane/internal/metrics"
	"github.com/narvanalabs/sandbox-plane/internal/secrets"
	"github.com/narvanalabs/sandbox-plane/internal/shutdown"
	"github.com/narvanalabs/sandbox-plane/pkg/config"
	"github.com/narvanalabs/sandbox-plane/pkg/logger"
)

func main() {
	os.Exit(run(config.LoadAgent()))
}

func run(cfg *config.AgentConfig) int {
	log := logger.NewWithFile(logger.ParseLevel(cfg.LogLevel), true, cfg.LogFile).WithComponent("agent")

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("registering metrics", "error", err)
	}

	decrypter, err := secrets.NewService(&secrets.Config{AgePrivateKey: cfg.AgePrivateKey}, log.Logger)
	if err != nil {
		log.WithError(err).Error("invalid age key")
		return 1
	}

	restarter, err := bootstrap.NewRestarter(cfg.RestartMode, cfg.SystemdUnit, cfg.RestartCommand)
	if err != nil {
		log.WithError(err).Error("invalid restart configuration")
		return 1
	}

	var cp bootstrap.ControlPlane
	if cfg.Configured() {
		if !decrypter.CanDecrypt() {
			log.Error("SOPS_AGE_PRIVATE_KEY is required to open the estate environment")
			return 1
		}
		cp = bootstrap.NewHTTPClient(
			bootstrap.DefaultClientConfig(cfg.ControlPlaneURL, cfg.ControlPlaneToken),
			log.WithComponent("control-plane").Logger,
		)
	}

	scheduler := bootstrap.NewScheduler(bootstrap.Config{
		EnvFile:  cfg.EnvFile,
		Interval: cfg.ReconcileInterval,
		Jitter:   cfg.ReconcileJitter,
	}, cp, decrypter, restarter, bootstrap.NewRestartGuard(cfg.RestartGuardPath, cfg.RestartGuardTTL), log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A failed initial fetch exits so the supervisor restarts the agent
	// from a clean state.
	res, err := scheduler.Bootstrap(ctx)
	if err != nil {
		log.WithError(err).Error("bootstrap failed")
		return 1
	}
	log.Info("bootstrap complete",
		"configured", scheduler.Configured(),
		"injected", res.Injected,
		"removed", res.Removed,
		"changed", res.Changed,
	)

	coordinator := shutdown.NewCoordinator(shutdown.WithLogger(log.Logger))
	if cfg.MetricsAddr != "" {
		srv := newMetricsServer(cfg.MetricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics listener stopped")
			}
		}()
		log.Info("serving metrics", "addr", cfg.MetricsAddr)
		coordinator.Register(shutdown.NewServerComponent("metrics", srv))
	}
	coordinator.Register(shutdown.NewStopperComponent("reconcile", scheduler))

	scheduler.Start(ctx)
	coordinator.WaitForSignal(ctx)
	return coordinator.ExitCode()
}

// newMetricsServer exposes the agent's reconcile and restart counters.
func newMetricsServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
