// Package server exposes the registry's instruction surface over HTTP.
// Wallet signature verification happens upstream of this service; requests
// carry the signer's public key explicitly.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/rebalnet/registry/registry/pkg/engine"
	"github.com/rebalnet/registry/registry/pkg/events"
)

// Config holds the server configuration.
type Config struct {
	Logger *slog.Logger
	Engine *engine.Engine
	Bus    *events.Bus

	ListenAddr string
	// RateLimit is requests per second per client IP; zero disables
	// limiting.
	RateLimit rate.Limit
	RateBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.RateLimit > 0 && cfg.RateBurst == 0 {
		cfg.RateBurst = 10
	}
	return nil
}

// Server is the registry's HTTP server.
type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	srv     *http.Server
	limiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimitMiddleware)
		}
		r.Post("/baskets", s.handleInitializeBasket)
		r.Get("/baskets/{basket}", s.handleGetBasket)
		r.Get("/baskets/{basket}/receipts", s.handleGetReceipts)
		r.Post("/baskets/{basket}/stake", s.handleDepositStake)
		r.Delete("/baskets/{basket}/stake", s.handleWithdrawStake)
		r.Get("/baskets/{basket}/stake/{voter}", s.handleGetStake)
		r.Post("/baskets/{basket}/proposals/{kind}", s.handlePropose)
		r.Get("/baskets/{basket}/proposals/{kind}", s.handleGetProposal)
		r.Post("/baskets/{basket}/proposals/{kind}/votes", s.handleVote)
		r.Post("/baskets/{basket}/proposals/{kind}/finalize", s.handleFinalize)
		r.Post("/baskets/{basket}/rebalance", s.handleExecuteRebalance)
		r.Get("/events", s.handleEvents)
	})
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("server: stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
