// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ManuGH/vidgate/internal/api/middleware"
	"github.com/ManuGH/vidgate/internal/coalesce"
	"github.com/ManuGH/vidgate/internal/fetch"
	"github.com/ManuGH/vidgate/internal/log"
	"github.com/ManuGH/vidgate/internal/source"
	"github.com/ManuGH/vidgate/internal/storage"
)

// resolveStatus maps a resolve error to an HTTP status and error code.
func resolveStatus(err error) (int, string) {
	switch {
	case errors.Is(err, source.ErrInvalidSource):
		return http.StatusBadRequest, "invalid_source"
	case errors.Is(err, fetch.ErrTimeout):
		return http.StatusGatewayTimeout, "fetch_timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request_timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	case errors.Is(err, storage.ErrUpload):
		return http.StatusBadGateway, "upload_failed"
	case errors.Is(err, coalesce.ErrPipelinePanic):
		return http.StatusBadGateway, "pipeline_failed"
	case errors.Is(err, fetch.ErrProcessFailed),
		errors.Is(err, fetch.ErrMalformedOutput),
		errors.Is(err, fetch.ErrMissingArtifact):
		return http.StatusBadGateway, "fetch_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := resolveStatus(err)
	logger := log.WithComponentFromContext(r.Context(), "api")
	ev := logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev.Err(err).
		Str(log.FieldEvent, "api.resolve_failed").
		Int("status", status).
		Str("code", code).
		Msg("resolve failed")

	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "unexpected error"
	}
	middleware.WriteError(w, r, status, code, detail)
}
