package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/traces"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
	cancel  context.CancelFunc
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	ctx, cancel := context.WithCancel(context.Background())

	// Global middleware stack
	router.Use(CORSMiddleware)    // CORS for browser clients
	router.Use(RecoverMiddleware) // Recover from panics
	router.Use(middleware.RealIP) // Extract real IP
	router.Use(traces.Middleware) // OpenTelemetry tracing
	router.Use(RequestIDMiddleware)
	router.Use(metrics.Middleware) // Prometheus request metrics
	router.Use(LoggingMiddleware)  // Request logging

	// Probes and scraping (no tenant, no rate limit)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateBurst).Middleware)
		}
		r.Use(TenantMiddleware)

		r.Post("/risk/score", handler.Score)

		r.Get("/decisions", handler.ListDecisions)
		r.Get("/decisions/{id}", handler.GetDecision)

		r.Get("/taxonomy", handler.GetTaxonomy)
		r.Get("/taxonomy/snapshots/{version}", handler.GetTaxonomySnapshot)
		r.Post("/taxonomy/reload", handler.ReloadTaxonomy)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
		cancel:  cancel,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
