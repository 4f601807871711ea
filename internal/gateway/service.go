// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package gateway resolves a video locator to the URL of a stored copy,
// fetching and uploading it on first request.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/vidgate/internal/coalesce"
	"github.com/ManuGH/vidgate/internal/fetch"
	"github.com/ManuGH/vidgate/internal/log"
	"github.com/ManuGH/vidgate/internal/metrics"
	"github.com/ManuGH/vidgate/internal/source"
	"github.com/ManuGH/vidgate/internal/telemetry"
)

const tracerName = "github.com/ManuGH/vidgate/internal/gateway"

// ObjectStore is the storage boundary.
type ObjectStore interface {
	Exists(ctx context.Context, id string) bool
	Upload(ctx context.Context, id string, body io.Reader, size int64, contentType string) error
	PublicURL(id string) string
}

// Fetcher produces a local artifact for a source.
type Fetcher interface {
	Fetch(ctx context.Context, src source.Source) (*fetch.Result, error)
}

// Service is the pipeline orchestrator.
type Service struct {
	store   ObjectStore
	fetcher Fetcher
	flights *coalesce.Coalescer
	tracer  trace.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// New creates a Service. flights is shared by every resolve.
func New(store ObjectStore, fetcher Fetcher, flights *coalesce.Coalescer, opts ...Option) *Service {
	s := &Service{
		store:   store,
		fetcher: fetcher,
		flights: flights,
		tracer:  telemetry.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve accepts a source URL or a bare identifier and returns the object URL.
// Errors wrap source.ErrInvalidSource, the fetch package errors,
// storage.ErrUpload, coalesce.ErrPipelinePanic or the caller's context error.
func (s *Service) Resolve(ctx context.Context, locator string) (string, error) {
	src, err := source.Resolve(locator)
	if err != nil {
		metrics.RecordResolve(metrics.OutcomeInvalid, 0)
		return "", err
	}
	return s.ResolveSource(ctx, src)
}

// ResolveID is Resolve restricted to bare identifiers.
func (s *Service) ResolveID(ctx context.Context, id string) (string, error) {
	src, err := source.FromID(id)
	if err != nil {
		metrics.RecordResolve(metrics.OutcomeInvalid, 0)
		return "", err
	}
	return s.ResolveSource(ctx, src)
}

// ResolveSource is Resolve for an already parsed source.
func (s *Service) ResolveSource(ctx context.Context, src source.Source) (_ string, err error) {
	start := time.Now()
	if !source.ValidID(src.ID) {
		metrics.RecordResolve(metrics.OutcomeInvalid, 0)
		return "", fmt.Errorf("%w: malformed identifier %q", source.ErrInvalidSource, src.ID)
	}

	ctx = log.ContextWithVideoID(ctx, src.ID)
	ctx, span := s.tracer.Start(ctx, "gateway.resolve",
		trace.WithAttributes(telemetry.VideoAttributes(src.ID, src.URL)...))
	defer span.End()

	outcome := metrics.OutcomeCached
	defer func() {
		if err != nil {
			outcome = metrics.OutcomeFailed
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				outcome = metrics.OutcomeCanceled
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String(telemetry.OutcomeKey, outcome))
		metrics.RecordResolve(outcome, time.Since(start))
	}()

	if s.store.Exists(ctx, src.ID) {
		return s.store.PublicURL(src.ID), nil
	}

	res, err := s.flights.Do(ctx, src.ID, func(pctx context.Context) (string, error) {
		return s.pipeline(pctx, src)
	})
	span.SetAttributes(
		attribute.Bool(telemetry.LeaderKey, res.Leader),
		attribute.Int(telemetry.WaitersKey, res.Waiters),
	)
	if err != nil {
		return "", err
	}
	if res.Leader {
		outcome = metrics.OutcomeFetched
	} else {
		outcome = metrics.OutcomeCoalesced
	}
	return res.Value, nil
}

// pipeline fetches, uploads and publishes one video. The fetched artifact is
// removed on every path.
func (s *Service) pipeline(ctx context.Context, src source.Source) (_ string, err error) {
	ctx, span := s.tracer.Start(ctx, "gateway.pipeline",
		trace.WithAttributes(telemetry.VideoAttributes(src.ID, "")...))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := log.WithComponentFromContext(ctx, "gateway")

	// A previous pipeline may have finished between the caller's check and
	// this one being installed.
	if s.store.Exists(ctx, src.ID) {
		logger.Debug().Str(log.FieldEvent, "pipeline.already_stored").Msg("object appeared while waiting, skipping fetch")
		return s.store.PublicURL(src.ID), nil
	}

	res, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", src.ID, err)
	}
	defer func() {
		if cerr := res.Cleanup(); cerr != nil {
			logger.Warn().Err(cerr).Str(log.FieldEvent, "pipeline.cleanup_failed").Msg("failed to remove fetch artifact")
		}
	}()

	f, err := res.Open()
	if err != nil {
		return "", fmt.Errorf("open artifact %s: %w: %w", src.ID, fetch.ErrMissingArtifact, err)
	}
	defer func() { _ = f.Close() }()

	span.SetAttributes(telemetry.ObjectAttributes(res.Size, res.ContentType)...)
	if err := s.store.Upload(ctx, src.ID, f, res.Size, res.ContentType); err != nil {
		return "", fmt.Errorf("upload %s: %w", src.ID, err)
	}

	url := s.store.PublicURL(src.ID)
	logger.Info().
		Str(log.FieldEvent, "pipeline.published").
		Str(log.FieldObjectURL, url).
		Int64(log.FieldSize, res.Size).
		Msg("video published")
	return url, nil
}

// Pending returns the number of pipelines in flight.
func (s *Service) Pending() int {
	return s.flights.Pending()
}
