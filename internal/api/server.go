// Package api serves the daemon's read-only status surface over HTTP:
// health, feed and dispatcher state, execution history, and a live
// event stream for the watch UI.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/dispatch"
	"github.com/mattjoyce/occd/internal/events"
	"github.com/mattjoyce/occd/internal/feed"
	"github.com/mattjoyce/occd/internal/log"
	"github.com/mattjoyce/occd/internal/registry"
	"github.com/mattjoyce/occd/internal/runner"
)

// HistoryReader is the slice of the history store the API reads.
type HistoryReader interface {
	Recent(ctx context.Context, subscription string, limit int) ([]runner.Result, error)
	Get(ctx context.Context, id string) (*runner.Result, error)
	Counts(ctx context.Context) (map[string]int, error)
}

// FeedMonitor reports feed connection state.
type FeedMonitor interface {
	Stats() feed.Stats
}

// DispatchMonitor reports dispatcher activity.
type DispatchMonitor interface {
	Stats() dispatch.Stats
}

// Server is the HTTP status API.
type Server struct {
	cfg       config.APIConfig
	reg       *registry.Registry
	history   HistoryReader
	feed      FeedMonitor
	dispatch  DispatchMonitor
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New assembles the API server around the daemon's components.
func New(cfg config.APIConfig, reg *registry.Registry, history HistoryReader, feedMon FeedMonitor, dispMon DispatchMonitor, hub *events.Hub) *Server {
	return &Server{
		cfg:       cfg,
		reg:       reg,
		history:   history,
		feed:      feedMon,
		dispatch:  dispMon,
		hub:       hub,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.cfg.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events is a long-lived SSE stream.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.cfg.Listen)

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

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Get("/executions", s.handleExecutions)
		r.Get("/executions/{id}", s.handleExecution)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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
