// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/vidgate/internal/api/middleware"
	"github.com/ManuGH/vidgate/internal/health"
)

// Resolver is the gateway as seen by the handlers.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
	ResolveID(ctx context.Context, id string) (string, error)
	Pending() int
}

// Config controls the HTTP surface.
type Config struct {
	Version string
	// RequestTimeout bounds how long a caller waits for a resolve. Zero means no bound.
	RequestTimeout time.Duration
	// Origins returns the CORS allow-list and is consulted per request.
	Origins func() []string

	RateLimitEnabled   bool
	RateLimitRPM       int
	RateLimitWhitelist []string

	// TracingService names the server span operation; empty disables tracing.
	TracingService string
	// Metrics mounts /metrics and records HTTP metrics.
	Metrics bool
}

// Server holds the HTTP handlers.
type Server struct {
	cfg      Config
	resolver Resolver
	health   *health.Manager
}

// New creates a Server. hm may be nil, in which case probes always succeed.
func New(cfg Config, resolver Resolver, hm *health.Manager) *Server {
	if hm == nil {
		hm = health.NewManager(cfg.Version)
	}
	return &Server{cfg: cfg, resolver: resolver, health: hm}
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		Origins:        s.cfg.Origins,
		EnableMetrics:  s.cfg.Metrics,
		TracingService: s.cfg.TracingService,
		EnableLogging:  true,
	})

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	if s.cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/api/v1/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimitEnabled && s.cfg.RateLimitRPM > 0 {
			r.Use(middleware.RateLimit(middleware.RateLimitConfig{
				RequestLimit: s.cfg.RateLimitRPM,
				WindowSize:   time.Minute,
				Whitelist:    s.cfg.RateLimitWhitelist,
			}))
		}
		r.Get("/download", s.handleDownload)
		r.Get("/api/v1/videos/{id}", s.handleVideo)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not supported here")
	})
	return r
}
