// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package api serves the local HTTP interface the desktop UI talks to. It
// binds to loopback only: session control, character data reads through the
// cache/offline layer, health and budget diagnostics, and Prometheus
// metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/health"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/offline"
	"github.com/astraldock/astraldock/internal/ratelimit"
	"github.com/astraldock/astraldock/internal/session"
)

// Server is the local HTTP API. It runs as a supervised service.
type Server struct {
	cfg     config.APIConfig
	session *session.Manager
	coord   *offline.Coordinator
	monitor *health.Monitor
	limits  *ratelimit.Limiter
	ttls    config.CacheConfig
	http    *http.Server
}

// NewServer builds the server and its route table.
func NewServer(cfg config.APIConfig, sess *session.Manager, coord *offline.Coordinator, monitor *health.Monitor, limits *ratelimit.Limiter, ttls config.CacheConfig) *Server {
	s := &Server{
		cfg:     cfg,
		session: sess,
		coord:   coord,
		monitor: monitor,
		limits:  limits,
		ttls:    ttls,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/session", s.handleSession)
		r.Put("/session/active", s.handleSwitchActive)
		r.Route("/characters/{characterID}", func(r chi.Router) {
			r.Delete("/", s.handleRemoveCharacter)
			r.Get("/skills", s.handleSkills)
			r.Get("/skillqueue", s.handleSkillQueue)
			r.Get("/wallet", s.handleWallet)
		})
		r.Get("/markets/prices", s.handleMarketPrices)
	})

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.ListenAddr).Msg("Local API listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("API shutdown incomplete")
		}
		return ctx.Err()
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string {
	return "local-api"
}
