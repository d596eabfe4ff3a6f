// Package api provides the HTTP API server for the control plane.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/sandbox-plane/internal/api/handlers"
	"github.com/narvanalabs/sandbox-plane/internal/api/health"
	"github.com/narvanalabs/sandbox-plane/internal/api/middleware"
	"github.com/narvanalabs/sandbox-plane/internal/auth"
	"github.com/narvanalabs/sandbox-plane/internal/logs"
	"github.com/narvanalabs/sandbox-plane/internal/metrics"
	"github.com/narvanalabs/sandbox-plane/internal/notify"
	"github.com/narvanalabs/sandbox-plane/internal/pipeline"
	"github.com/narvanalabs/sandbox-plane/internal/secrets"
	"github.com/narvanalabs/sandbox-plane/internal/store"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// requestTimeout bounds ordinary requests. Streaming routes are exempt.
const requestTimeout = 60 * time.Second

// Options configures a Server.
type Options struct {
	Addr            string
	WebhookSecret   []byte
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Deps groups the collaborators the routes are built from.
type Deps struct {
	Store    store.Store
	Pipeline *pipeline.Service
	Auth     *auth.Service
	Secrets  *secrets.Service
	Broker   *logs.Broker
	Hub      *notify.Hub
	// Health lists the components reported by /health.
	Health map[string]health.Pinger
	Logger *slog.Logger
}

// Server represents the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	opts       Options
	logger     *slog.Logger
}

// NewServer creates a new API server with the given dependencies.
func NewServer(opts Options, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{opts: opts, logger: logger}
	s.setupRouter(deps)
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// No WriteTimeout: SSE and websocket responses stay open.
		IdleTimeout: 120 * time.Second,
	}
	// Shutdown waits for active requests, so long-lived streams are ended
	// as soon as it starts.
	s.httpServer.RegisterOnShutdown(func() {
		if deps.Broker != nil {
			deps.Broker.Close()
		}
		if deps.Hub != nil {
			deps.Hub.Close()
		}
	})
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter(deps Deps) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	healthChecker := health.NewChecker(deps.Health, Version)
	webhookHandler := handlers.NewWebhookHandler(s.opts.WebhookSecret, deps.Pipeline, s.logger)
	callbackHandler := handlers.NewCallbackHandler(deps.Pipeline, s.logger)
	ingestHandler := handlers.NewIngestHandler(deps.Pipeline, s.logger)
	buildHandler := handlers.NewBuildHandler(deps.Store, s.logger)
	processHandler := handlers.NewProcessHandler(deps.Store, deps.Pipeline, s.logger)
	estateHandler := handlers.NewEstateHandler(deps.Store, deps.Secrets, deps.Auth, s.logger)
	agentHandler := handlers.NewAgentHandler(deps.Store, s.logger)
	logStreamHandler := handlers.NewLogStreamHandler(deps.Store, deps.Broker, s.logger)
	eventsHandler := handlers.NewEventsHandler(deps.Hub, s.opts.AllowedOrigins, s.logger)
	authMiddleware := middleware.NewAuthMiddleware(deps.Auth, s.logger)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(requestTimeout))

		r.Get("/health", healthChecker.Handler())
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		// Sandbox and forge traffic authenticates by signature, not bearer token.
		r.Post("/webhooks/github", webhookHandler.GitHub)
		r.Post("/callbacks/builds/{buildID}", callbackHandler.Build)
		r.Post("/ingest/{kind}/{id}", ingestHandler.Ingest)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.TokenFromQuery)
		r.Use(authMiddleware.Authenticate)

		// Long-lived streams
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(auth.ScopeUser))
			r.Get("/orgs/{orgID}/events", eventsHandler.Subscribe)
			r.Get("/builds/{buildID}/logs/stream", logStreamHandler.StreamBuild)
			r.Get("/processes/{processID}/logs/stream", logStreamHandler.StreamProcess)
		})

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(requestTimeout))

			r.With(middleware.RequireScope(auth.ScopeAgent)).Get("/agent/bootstrap", agentHandler.Bootstrap)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(auth.ScopeUser))

				r.Post("/estates", estateHandler.Create)
				r.Route("/estates/{estateID}", func(r chi.Router) {
					r.Get("/", estateHandler.Get)
					r.Get("/builds", buildHandler.List)
					r.Post("/processes", processHandler.Run)
					r.Post("/agent-token", estateHandler.AgentToken)
					r.Get("/env", estateHandler.ListEnv)
					r.Put("/env/{key}", estateHandler.SetEnv)
					r.Delete("/env/{key}", estateHandler.DeleteEnv)
				})

				r.Get("/builds/{buildID}", buildHandler.Get)
				r.Get("/builds/{buildID}/logs", buildHandler.Logs)
				r.Get("/processes/{processID}", processHandler.Get)
			})
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting API server", "addr", s.opts.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
