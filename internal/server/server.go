// Package server exposes the tracker over HTTP: JSON endpoints per subject,
// a WebSocket event stream, health and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/internal/config"
	"github.com/Sternrassler/tickertrail/pkg/aggregate"
	"github.com/Sternrassler/tickertrail/pkg/backfill"
	"github.com/Sternrassler/tickertrail/pkg/enrich"
	"github.com/Sternrassler/tickertrail/pkg/metrics"
	"github.com/Sternrassler/tickertrail/pkg/notify"
	"github.com/Sternrassler/tickertrail/pkg/ratelimit"
	"github.com/Sternrassler/tickertrail/pkg/record"
	"github.com/Sternrassler/tickertrail/pkg/tracker"
)

// Tracker is the part of *tracker.Tracker the server uses.
type Tracker interface {
	Lookup(ctx context.Context, subject string) (tracker.LookupResult, error)
	Records(ctx context.Context, subject string) ([]record.Record, error)
	StartBackfill(ctx context.Context, subject string) (backfill.Job, error)
	BackfillStatus(subject string) (backfill.Job, bool)
	Retry(ctx context.Context, subject string) (enrich.RetryReport, error)
	IdentifierStats(ctx context.Context, subject string) ([]aggregate.IdentifierStat, error)
	Summary(ctx context.Context, subject string) (aggregate.Summary, error)
	Subscribe(ctx context.Context, subject string) (*notify.Subscription, error)
	RateLimits() []ratelimit.State
}

// Server represents the HTTP server
type Server struct {
	router  *chi.Mux
	server  *http.Server
	tracker Tracker
	cfg     config.ServerConfig
	logger  zerolog.Logger
}

// New creates a new HTTP server instance
func New(tr Tracker, cfg config.ServerConfig, logger zerolog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "the requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "the requested method is not allowed for this resource")
	})

	s := &Server{
		router:  r,
		tracker: tr,
		cfg:     cfg,
		logger:  logger,
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api/v1/subjects/{subject}", func(r chi.Router) {
		r.Get("/", s.handleLookup)
		r.Get("/records", s.handleRecords)
		r.Get("/backfill", s.handleBackfillStatus)
		r.Post("/backfill", s.handleStartBackfill)
		r.Post("/retry", s.handleRetry)
		r.Get("/identifiers", s.handleIdentifiers)
		r.Get("/summary", s.handleSummary)
		r.Get("/events", s.handleEvents)
	})
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Address).Msg("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing
func (s *Server) Handler() http.Handler {
	return s.router
}
