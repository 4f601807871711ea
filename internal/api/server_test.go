// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vidgate/internal/api/middleware"
	"github.com/ManuGH/vidgate/internal/coalesce"
	"github.com/ManuGH/vidgate/internal/fetch"
	"github.com/ManuGH/vidgate/internal/health"
	"github.com/ManuGH/vidgate/internal/source"
	"github.com/ManuGH/vidgate/internal/storage"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, locator string) (string, error) {
	args := m.Called(ctx, locator)
	return args.String(0), args.Error(1)
}

func (m *mockResolver) ResolveID(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *mockResolver) Pending() int {
	return m.Called().Int(0)
}

func newTestServer(t *testing.T, r *mockResolver, mutate ...func(*Config)) http.Handler {
	t.Helper()
	cfg := Config{
		Version:        "test",
		RequestTimeout: time.Minute,
		Origins:        middleware.StaticOrigins("http://localhost:3000"),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return New(cfg, r, nil).Handler()
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestDownload_ByID(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveID", mock.Anything, "abc123").Return("http://localhost:9000/ytvideos/abc123", nil).Once()

	rec := get(t, newTestServer(t, r), "/download?videoId=abc123")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "http://localhost:9000/ytvideos/abc123", rec.Body.String())
	r.AssertExpectations(t)
}

func TestDownload_ByURL(t *testing.T) {
	r := new(mockResolver)
	r.On("Resolve", mock.Anything, "https://youtu.be/abc123").Return("http://x/abc123", nil).Once()

	rec := get(t, newTestServer(t, r), "/download?videoUrl=https%3A%2F%2Fyoutu.be%2Fabc123")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://x/abc123", rec.Body.String())
	r.AssertExpectations(t)
}

func TestDownload_IDWinsOverURL(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveID", mock.Anything, "fromid").Return("http://x/fromid", nil).Once()

	rec := get(t, newTestServer(t, r), "/download?videoId=fromid&videoUrl=https%3A%2F%2Fyoutu.be%2Fother")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://x/fromid", rec.Body.String())
	r.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestDownload_MissingParameter(t *testing.T) {
	r := new(mockResolver)
	rec := get(t, newTestServer(t, r), "/download")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body middleware.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "missing_parameter", body.Error)
	assert.NotEmpty(t, body.RequestID)
	r.AssertNotCalled(t, "ResolveID", mock.Anything, mock.Anything)
}

func TestDownload_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", fmt.Errorf("%w: bad", source.ErrInvalidSource), http.StatusBadRequest, "invalid_source"},
		{"process", fmt.Errorf("fetch x: %w", &fetch.ProcessError{ExitCode: 1}), http.StatusBadGateway, "fetch_failed"},
		{"malformed", fmt.Errorf("fetch x: %w", fetch.ErrMalformedOutput), http.StatusBadGateway, "fetch_failed"},
		{"artifact", fetch.ErrMissingArtifact, http.StatusBadGateway, "fetch_failed"},
		{"fetch timeout", fmt.Errorf("fetch x: %w", fetch.ErrTimeout), http.StatusGatewayTimeout, "fetch_timeout"},
		{"request timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "request_timeout"},
		{"canceled", context.Canceled, http.StatusServiceUnavailable, "canceled"},
		{"upload", fmt.Errorf("upload x: %w", storage.ErrUpload), http.StatusBadGateway, "upload_failed"},
		{"panic", coalesce.ErrPipelinePanic, http.StatusBadGateway, "pipeline_failed"},
		{"unknown", errors.New("???"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := new(mockResolver)
			r.On("ResolveID", mock.Anything, "abc").Return("", tt.err)

			rec := get(t, newTestServer(t, r), "/download?videoId=abc")

			assert.Equal(t, tt.status, rec.Code)
			var body middleware.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "unexpected error", body.Detail)
			}
		})
	}
}

func TestDownload_RequestTimeoutApplied(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveID", mock.Anything, "slow").Return("", context.DeadlineExceeded).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		deadline, ok := ctx.Deadline()
		assert.True(t, ok, "handler must bound the resolve")
		assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, time.Second)
	})

	rec := get(t, newTestServer(t, r, func(c *Config) { c.RequestTimeout = 50 * time.Millisecond }), "/download?videoId=slow")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	r.AssertExpectations(t)
}

func TestVideoEndpoint(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveID", mock.Anything, "abc123").Return("http://x/abc123", nil).Once()

	rec := get(t, newTestServer(t, r), "/api/v1/videos/abc123")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body VideoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, VideoResponse{ID: "abc123", URL: "http://x/abc123"}, body)
}

func TestStatusEndpoint(t *testing.T) {
	r := new(mockResolver)
	r.On("Pending").Return(2)

	rec := get(t, newTestServer(t, r), "/api/v1/status")

	require.Equal(t, http.StatusOK, rec.Code)
	var body StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusResponse{Status: "ok", Version: "test", PendingPipelines: 2}, body)
}

func TestCORS_RejectsForeignOrigin(t *testing.T) {
	r := new(mockResolver)
	h := newTestServer(t, r)

	req := httptest.NewRequest(http.MethodGet, "/download?videoId=abc", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	r.AssertNotCalled(t, "ResolveID", mock.Anything, mock.Anything)
}

func TestRateLimit_OnlyVideoRoutes(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveID", mock.Anything, "abc").Return("http://x/abc", nil)
	h := newTestServer(t, r, func(c *Config) {
		c.RateLimitEnabled = true
		c.RateLimitRPM = 1
	})

	assert.Equal(t, http.StatusOK, get(t, h, "/download?videoId=abc").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/download?videoId=abc").Code)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code, "probes are not limited")
	}
}

func TestProbesAndMetrics(t *testing.T) {
	r := new(mockResolver)
	hm := health.NewManager("test")
	hm.RegisterChecker(health.NewStorageChecker(func(context.Context) error { return errors.New("down") }))
	h := New(Config{Version: "test", Metrics: true}, r, hm).Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vidgate_http_requests_in_flight")
}

func TestNotFoundAndMethod(t *testing.T) {
	h := newTestServer(t, new(mockResolver))

	rec := get(t, h, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/download", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
