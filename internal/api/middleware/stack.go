// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package middleware provides the HTTP ingress middleware stack.
package middleware

import (
	"github.com/go-chi/chi/v5"

	xglog "github.com/ManuGH/vidgate/internal/log"
)

// StackConfig configures the ingress middleware stack.
type StackConfig struct {
	// Origins returns the CORS allow-list; nil disables CORS enforcement.
	Origins func() []string

	EnableMetrics  bool
	TracingService string // empty disables tracing
	EnableLogging  bool
}

// NewRouter constructs a chi router with the stack applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack applies the middleware in its canonical order. Rate limiting is
// not part of the stack; it is mounted on the routes that start work.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer)
	r.Use(RequestID)
	if cfg.Origins != nil {
		r.Use(CORS(cfg.Origins))
	}
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	if cfg.TracingService != "" {
		r.Use(Tracing(cfg.TracingService))
	}
	if cfg.EnableLogging {
		r.Use(xglog.Middleware())
	}
}
