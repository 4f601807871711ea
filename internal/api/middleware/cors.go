// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"net/http"
	"slices"
)

// CORS enforces an origin allow-list. origins is consulted per request so the
// list can change at runtime. Requests without an Origin header pass through;
// requests from an origin not on the list are rejected with 403. "*" allows all.
func CORS(origins func() []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := origins()
			if !slices.Contains(allowed, "*") && !slices.Contains(allowed, origin) {
				WriteError(w, r, http.StatusForbidden, "origin_not_allowed", "Origin "+origin+" is not allowed")
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Expose-Headers", HeaderRequestID)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderRequestID)
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// StaticOrigins adapts a fixed list for CORS.
func StaticOrigins(origins ...string) func() []string {
	return func() []string { return origins }
}
