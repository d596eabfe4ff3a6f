// Package main provides the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/narvanalabs/sandbox-plane/internal/api"
	"github.com/narvanalabs/sandbox-plane/internal/api/health"
	"github.com/narvanalabs/sandbox-plane/internal/auth"
	"github.com/narvanalabs/sandbox-plane/internal/logs"
	"github.com/narvanalabs/sandbox-plane/internal/metrics"
	"github.com/narvanalabs/sandbox-plane/internal/notify"
	"github.com/narvanalabs/sandbox-plane/internal/pipeline"
	"github.com/narvanalabs/sandbox-plane/internal/sandbox"
	"github.com/narvanalabs/sandbox-plane/internal/secrets"
	"github.com/narvanalabs/sandbox-plane/internal/shutdown"
	"github.com/narvanalabs/sandbox-plane/internal/store"
	"github.com/narvanalabs/sandbox-plane/internal/store/memstore"
	pgstore "github.com/narvanalabs/sandbox-plane/internal/store/postgres"
	"github.com/narvanalabs/sandbox-plane/pkg/config"
	"github.com/narvanalabs/sandbox-plane/pkg/logger"
)

// memoryDSN selects the in-memory store for local development.
const memoryDSN = "memory://"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel), true)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("api server failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	st, ping, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	coordinator.Register(shutdown.NewCloserComponent("store", st))

	secretsSvc, err := secrets.NewService(&secrets.Config{
		AgePublicKey:  cfg.SOPS.AgePublicKey,
		AgePrivateKey: cfg.SOPS.AgePrivateKey,
	}, log.WithComponent("secrets").Logger)
	if err != nil {
		return fmt.Errorf("initializing secrets: %w", err)
	}
	if !secretsSvc.CanEncrypt() {
		log.Warn("age keys not configured, estate tokens and env values cannot be stored")
	}

	launcher, err := newLauncher(cfg, log)
	if err != nil {
		return err
	}
	if closer, ok := launcher.(interface{ Close() error }); ok {
		coordinator.Register(shutdown.NewCloserComponent("launcher", closer))
	}

	broker := logs.NewBroker(logs.DefaultTailLines, log.WithComponent("logs").Logger)
	hub := notify.NewHub(log.WithComponent("notify").Logger)

	pipe, err := pipeline.NewService(pipeline.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		SigningSecret: []byte(cfg.Signing.Secret),
		CallbackTTL:   cfg.Signing.CallbackTTL,
		IngestTTL:     cfg.Signing.IngestTTL,
	}, pipeline.Deps{
		Store:     st,
		Launcher:  launcher,
		Notifier:  hub,
		Secrets:   secretsSvc,
		Publisher: broker,
		Logger:    log.WithComponent("pipeline").Logger,
	})
	if err != nil {
		return fmt.Errorf("initializing pipeline: %w", err)
	}

	authSvc := auth.NewService(&auth.Config{
		JWTSecret:        []byte(cfg.JWTSecret),
		TokenExpiry:      cfg.JWTExpiry,
		AgentTokenExpiry: cfg.AgentTokenExpiry,
	}, log.WithComponent("auth").Logger)

	server := api.NewServer(api.Options{
		Addr:            fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		WebhookSecret:   []byte(cfg.Webhook.GitHubSecret),
		AllowedOrigins:  cfg.AllowedOrigins,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, api.Deps{
		Store:    st,
		Pipeline: pipe,
		Auth:     authSvc,
		Secrets:  secretsSvc,
		Broker:   broker,
		Hub:      hub,
		Health:   map[string]health.Pinger{"database": ping},
		Logger:   log.Logger,
	})

	// Registered last so it stops accepting requests before the launcher
	// and store close.
	coordinator.Register(shutdown.NewServerComponent("http", server))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coordinator.WaitForSignal(ctx)

	// Start returns once the coordinator has closed the server, or early if
	// the listener fails.
	err = server.Start(ctx)
	cancel()
	coordinator.Wait()
	if err != nil {
		return err
	}
	if code := coordinator.ExitCode(); code != 0 {
		return fmt.Errorf("shutdown exceeded %s", cfg.ShutdownTimeout)
	}
	log.Info("server stopped")
	return nil
}

// openStore returns the configured store and its health probe.
func openStore(cfg *config.Config, log *logger.Logger) (store.Store, health.Pinger, error) {
	if strings.HasPrefix(cfg.DatabaseDSN, memoryDSN) {
		log.Warn("using in-memory store, data is lost on restart")
		mem := memstore.New()
		return mem, health.PingFunc(mem.Ping), nil
	}

	pg, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.WithComponent("store").Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pg.Migrate(context.Background()); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("migrating database: %w", err)
	}
	return pg, health.PingFunc(pg.Ping), nil
}

func newLauncher(cfg *config.Config, log *logger.Logger) (sandbox.Launcher, error) {
	limits := sandbox.Limits{
		CPUs:      cfg.Sandbox.CPUs,
		MemoryMB:  cfg.Sandbox.MemoryMB,
		PidsLimit: cfg.Sandbox.PidsLimit,
	}
	launcherLog := log.WithComponent("sandbox").Logger

	switch cfg.Sandbox.Provider {
	case "podman":
		return sandbox.NewPodmanLauncher(sandbox.PodmanConfig{
			SocketURL: cfg.Sandbox.PodmanSocket,
			Image:     cfg.Sandbox.RunnerImage,
			Network:   cfg.Sandbox.Network,
			Limits:    limits,
		}, launcherLog), nil
	default:
		l, err := sandbox.NewDockerLauncher(sandbox.DockerConfig{
			Image:    cfg.Sandbox.RunnerImage,
			Network:  cfg.Sandbox.Network,
			Platform: cfg.Sandbox.Platform,
			Limits:   limits,
		}, launcherLog)
		if err != nil {
			return nil, fmt.Errorf("connecting to docker: %w", err)
		}
		return l, nil
	}
}
