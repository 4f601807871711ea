// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/vidgate/internal/api/middleware"
	"github.com/ManuGH/vidgate/internal/log"
)

// VideoResponse is the body of GET /api/v1/videos/{id}.
type VideoResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	PendingPipelines int    `json:"pendingPipelines"`
}

// handleDownload serves GET /download?videoId=ID or ?videoUrl=URL and answers
// with the object URL as plain text. videoId wins when both are present.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("videoId"))
	locator := strings.TrimSpace(q.Get("videoUrl"))
	if id == "" && locator == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "missing_parameter", "videoId or videoUrl is required")
		return
	}

	ctx, cancel := s.requestContext(r.Context())
	defer cancel()

	var (
		url string
		err error
	)
	if id != "" {
		url, err = s.resolver.ResolveID(ctx, id)
	} else {
		url, err = s.resolver.Resolve(ctx, locator)
	}
	if err != nil {
		s.writeResolveError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(url))
}

// handleVideo serves GET /api/v1/videos/{id}.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := s.requestContext(r.Context())
	defer cancel()

	url, err := s.resolver.ResolveID(ctx, id)
	if err != nil {
		s.writeResolveError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, VideoResponse{ID: id, URL: url})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, StatusResponse{
		Status:           "ok",
		Version:          s.cfg.Version,
		PendingPipelines: s.resolver.Pending(),
	})
}

func (s *Server) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Str(log.FieldEvent, "api.encode_error").Msg("failed to encode response")
	}
}
