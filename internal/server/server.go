// Package server provides the public HTTP API: fused signals, per-asset
// detail, reputation, agent run history, usage analytics, and health.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/config"
	"github.com/manavaga/web3-signals/internal/fusion"
	"github.com/manavaga/web3-signals/internal/metrics"
	"github.com/manavaga/web3-signals/internal/performance"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

// Config holds the server dependencies.
type Config struct {
	Log     zerolog.Logger
	Store   storage.Store
	Profile *profile.Profile
	Tracker *performance.Tracker
	Metrics *metrics.Registry
	Config  *config.Config

	// Fusion computes a live result when the store has no fusion run yet.
	// Optional; without it a cold store returns 503.
	Fusion *fusion.Engine
}

type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	store   storage.Store
	profile *profile.Profile
	tracker *performance.Tracker
	metrics *metrics.Registry
	cfg     *config.Config
	fusion  *fusion.Engine

	bootTime time.Time

	// In-memory signal cache, first tier in front of the fusion stream.
	cacheMu  sync.Mutex
	cached   *agent.Envelope
	cachedAt time.Time
	cacheTTL time.Duration
}

func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		store:    cfg.Store,
		profile:  cfg.Profile,
		tracker:  cfg.Tracker,
		metrics:  cfg.Metrics,
		cfg:      cfg.Config,
		fusion:   cfg.Fusion,
		bootTime: time.Now().UTC(),
		cacheTTL: time.Duration(cfg.Config.CacheTTLSec) * time.Second,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Use(s.usageMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleRoot)
	s.router.Get("/health", s.handleHealth)

	s.router.Get("/signal", s.handleSignal)
	s.router.Get("/signal/{asset}", s.handleAssetSignal)

	s.router.Route("/performance", func(r chi.Router) {
		r.Get("/", s.handleReputation)
		r.Get("/reputation", s.handleReputation)
		r.Get("/{asset}", s.handleAssetPerformance)
	})

	s.router.Get("/api/history", s.handleHistory)
	s.router.Get("/analytics", s.handleAnalytics)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

// Router exposes the handler tree, used by tests.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}
