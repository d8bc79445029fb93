// Package api serves the stagehand HTTP interface: run submission, run
// history, a server-sent event stream and a signed push hook.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stagehand/internal/auth"
	"github.com/mattjoyce/stagehand/internal/dispatch"
	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/metrics"
	"github.com/mattjoyce/stagehand/internal/run"
	"github.com/mattjoyce/stagehand/internal/runstore"
)

// RunSubmitter queues runs. *dispatch.Dispatcher satisfies it.
type RunSubmitter interface {
	Submit(tr dispatch.Trigger) (*dispatch.Ticket, error)
	Pending(runID string) bool
	Depth() int
}

// RunReader reads recorded runs. *runstore.Store satisfies it.
type RunReader interface {
	Get(ctx context.Context, id string) (*run.Result, error)
	List(ctx context.Context, filter runstore.ListFilter) ([]runstore.Summary, error)
}

// PoolStats reports host occupancy. *hosts.Pool satisfies it.
type PoolStats interface {
	Size() int
	Busy() int
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// WebhookSecret enables POST /hooks/push when set.
	WebhookSecret string
	// MaxWait bounds POST /runs?wait=true.
	MaxWait     time.Duration
	MaxBodySize int64
}

const (
	defaultMaxWait     = 2 * time.Hour
	defaultMaxBodySize = 1 << 20
)

// Server represents the HTTP API server
type Server struct {
	config    Config
	auth      *auth.Authenticator
	runs      RunSubmitter
	store     RunReader
	pool      PoolStats
	events    *events.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. pool and m may be nil.
func New(config Config, runs RunSubmitter, store RunReader, hub *events.Hub, pool PoolStats, m *metrics.Metrics, logger *slog.Logger) *Server {
	if config.MaxWait <= 0 {
		config.MaxWait = defaultMaxWait
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaultMaxBodySize
	}
	return &Server{
		config:    config,
		auth:      auth.NewAuthenticator(config.APIKey, config.Tokens),
		runs:      runs,
		store:     store,
		pool:      pool,
		events:    hub,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Waiting submissions and the event stream hold the response open.
		WriteTimeout: s.config.MaxWait + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Signed by the forge, not by bearer token.
	if s.config.WebhookSecret != "" {
		r.Post("/hooks/push", s.handlePushHook)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware(s.writeError))
		r.With(auth.RequireScopes(s.writeError, auth.ScopeRunsRW)).Post("/runs", s.handleSubmitRun)
		r.With(auth.RequireScopes(s.writeError, auth.ScopeRunsRead)).Get("/runs", s.handleListRuns)
		r.With(auth.RequireScopes(s.writeError, auth.ScopeRunsRead)).Get("/runs/{runID}", s.handleGetRun)
		r.With(auth.RequireScopes(s.writeError, auth.ScopeEvents)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
