// Package api is the optional ops HTTP surface of a dispatcher node: health,
// recent outcome log entries, and a live SSE feed of dispatch events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/placqs/internal/events"
	"github.com/mattjoyce/placqs/internal/outcome"
)

// Stats is what the dispatcher exposes for /healthz.
type Stats interface {
	Node() string
	Counts() map[string]int64
}

// LogReader reads the outcome log for operators.
type LogReader interface {
	Recent(ctx context.Context, node string, limit int) ([]outcome.Entry, error)
	Ping(ctx context.Context) error
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey guards /v1 and /events when set.
	APIKey string
}

// Server is the ops HTTP server.
type Server struct {
	config    Config
	stats     Stats
	log       LogReader
	methods   func() []string
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server. methods lists the node's capabilities.
func New(config Config, stats Stats, log LogReader, methods func() []string, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		stats:     stats,
		log:       log,
		methods:   methods,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

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
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/log", s.handleLog)
		r.Get("/v1/methods", s.handleMethods)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
