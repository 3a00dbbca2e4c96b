// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes planning, run submission and run status over HTTP.
package server

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jllopis/tessera/pkg/config"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/planner"
	"github.com/jllopis/tessera/pkg/telemetry"
)

// Options wires the server. Orchestrator, Planner, Catalog and Runs are
// required; Events enables the WebSocket stream.
type Options struct {
	Config       config.ServerConfig
	Orchestrator *orchestrator.Orchestrator
	Planner      *planner.Planner
	Catalog      orchestrator.CatalogSource
	Runs         orchestrator.RunReader
	Events       events.Subscriber
	Errors       *telemetry.ErrorMetrics
	Logger       *slog.Logger
}

// Server is the tessera HTTP service.
type Server struct {
	opts    Options
	cfg     config.ServerConfig
	logger  *slog.Logger
	router  chi.Router
	limiter *clientLimiter
	auth    *tokenVerifier

	// runCtx parents every accepted run so Shutdown can cancel the ones
	// still in flight.
	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  sync.WaitGroup
	accepted  sync.Map // run id -> time accepted, until the run finishes
}

// New validates opts and builds the router.
func New(opts Options) (*Server, error) {
	if opts.Config.Auth.Enabled && len(opts.Config.Auth.Secret) < minSecretBytes {
		return nil, errors.New(errors.CodeConfig, "auth secret must be at least 16 bytes", nil)
	}
	if opts.Orchestrator == nil || opts.Planner == nil || opts.Catalog == nil || opts.Runs == nil {
		return nil, errors.New(errors.CodeConfig, "server requires orchestrator, planner, catalog and run reader", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = defaultMaxInputBytes
	}
	s := &Server{
		opts:    opts,
		cfg:     cfg,
		logger:  logger,
		limiter: newClientLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}
	if cfg.Auth.Enabled {
		s.auth = newTokenVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	s.router = s.routes()
	return s, nil
}

const (
	defaultMaxInputBytes = 64 << 10
	minSecretBytes       = 16
)

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.metricsMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)
		r.Post("/pipelines/suggest", s.handleSuggest)
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/agents", s.handleListAgents)
	})

	router.With(s.authMiddleware).Get("/ws/runs/{id}", s.handleRunStream)
	return router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.New(errors.CodeConfig, "listen", err).WithContext("addr", s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.listen", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server.shutdown.error", slog.String("error", err.Error()))
	}
	return s.Shutdown(shutdownCtx)
}

// Shutdown cancels the runs still in flight and waits for them to record
// their final state, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelRun()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("server.shutdown.complete")
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeCanceled, "runs still in flight at shutdown", ctx.Err())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	cat := s.opts.Catalog.Load()
	agents := 0
	if cat != nil {
		agents = cat.Len()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": agents,
	})
}
