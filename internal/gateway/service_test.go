// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package gateway

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ManuGH/vidgate/internal/coalesce"
	"github.com/ManuGH/vidgate/internal/fetch"
	"github.com/ManuGH/vidgate/internal/source"
	"github.com/ManuGH/vidgate/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	uploadErr error
	existsN   atomic.Int32
	uploadsN  atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *fakeStore) Exists(_ context.Context, id string) bool {
	s.existsN.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects[id]) > 0
}

func (s *fakeStore) Upload(_ context.Context, id string, body io.Reader, size int64, contentType string) error {
	s.uploadsN.Add(1)
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if s.uploadErr != nil {
		return s.uploadErr
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id] = data
	s.types[id] = contentType
	return nil
}

func (s *fakeStore) PublicURL(id string) string {
	return "http://minio:9000/videos/" + id
}

type fakeFetcher struct {
	t       *testing.T
	mu      sync.Mutex
	calls   map[string]int
	urls    []string
	dirs    []string
	fail    map[string]error
	release chan struct{} // when set, Fetch blocks until closed
	started chan string
}

func newFakeFetcher(t *testing.T) *fakeFetcher {
	return &fakeFetcher{t: t, calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, src source.Source) (*fetch.Result, error) {
	f.mu.Lock()
	f.calls[src.ID]++
	f.urls = append(f.urls, src.URL)
	failErr := f.fail[src.ID]
	f.mu.Unlock()

	if f.started != nil {
		f.started <- src.ID
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	dir, err := os.MkdirTemp(f.t.TempDir(), src.ID+"-*")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, src.ID+".webm")
	payload := []byte("video:" + src.ID)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.dirs = append(f.dirs, dir)
	f.mu.Unlock()
	return fetch.NewResult(src.ID, dir, path, int64(len(payload)), "video/webm"), nil
}

func (f *fakeFetcher) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFetcher) assertCleanedUp(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.dirs {
		_, err := os.Stat(d)
		assert.True(t, os.IsNotExist(err), "working dir %s must be removed", d)
	}
}

func newService(t *testing.T) (*Service, *fakeStore, *fakeFetcher) {
	store := newFakeStore()
	fetcher := newFakeFetcher(t)
	return New(store, fetcher, coalesce.New(context.Background())), store, fetcher
}

func TestResolve_ScenarioA_FetchAndUpload(t *testing.T) {
	svc, store, fetcher := newService(t)

	url, err := svc.Resolve(context.Background(), "abc123")
	require.NoError(t, err)

	assert.Contains(t, url, "videos")
	assert.Contains(t, url, "abc123")
	assert.Equal(t, 1, fetcher.callsFor("abc123"))
	assert.Equal(t, "video:abc123", string(store.objects["abc123"]))
	assert.Equal(t, "video/webm", store.types["abc123"])
	fetcher.assertCleanedUp(t)
}

func TestResolve_ScenarioB_AlreadyStored(t *testing.T) {
	svc, store, fetcher := newService(t)
	store.objects["abc123"] = []byte("stored")

	for i := 0; i < 3; i++ {
		url, err := svc.Resolve(context.Background(), "abc123")
		require.NoError(t, err)
		assert.Equal(t, store.PublicURL("abc123"), url)
	}
	assert.Equal(t, 0, fetcher.callsFor("abc123"))
	assert.Equal(t, int32(0), store.uploadsN.Load())
}

func TestResolve_ScenarioC_ConcurrentCallersCoalesce(t *testing.T) {
	svc, _, fetcher := newService(t)
	fetcher.release = make(chan struct{})
	fetcher.started = make(chan string, 1)
	const n = 5

	var wg sync.WaitGroup
	urls := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i], errs[i] = svc.Resolve(context.Background(), "https://www.youtube.com/watch?v=xyz")
		}(i)
	}

	<-fetcher.started
	require.Eventually(t, func() bool {
		return svc.flights.Waiters("xyz") == n
	}, 2*time.Second, time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.Equal(t, 1, fetcher.callsFor("xyz"))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, urls[0], urls[i])
	}
	assert.Equal(t, 0, svc.Pending())
}

func TestResolve_ScenarioD_FailureThenRetry(t *testing.T) {
	svc, store, fetcher := newService(t)
	fetcher.fail["bad1"] = &fetch.ProcessError{ExitCode: 1, Diagnostics: []string{"ERROR: unavailable"}}
	fetcher.release = make(chan struct{})
	fetcher.started = make(chan string, 1)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Resolve(context.Background(), "bad1")
		}(i)
	}
	<-fetcher.started
	require.Eventually(t, func() bool {
		return svc.flights.Waiters("bad1") == 3
	}, 2*time.Second, time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, fetch.ErrProcessFailed)
		var pe *fetch.ProcessError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 1, pe.ExitCode)
	}
	assert.Equal(t, 1, fetcher.callsFor("bad1"))
	assert.False(t, store.Exists(context.Background(), "bad1"))

	fetcher.mu.Lock()
	delete(fetcher.fail, "bad1")
	fetcher.mu.Unlock()
	fetcher.started = nil

	url, err := svc.Resolve(context.Background(), "bad1")
	require.NoError(t, err)
	assert.Contains(t, url, "bad1")
	assert.Equal(t, 2, fetcher.callsFor("bad1"), "retry must invoke the fetch runner again")
}

func TestResolve_ScenarioE_InvalidSource(t *testing.T) {
	svc, store, fetcher := newService(t)

	for _, locator := range []string{"", "https://example.com/nothing", "ftp://youtube.com/watch?v=abc", "not a url %zz", "https://evil.example/anything?v=abc", "https://www.youtube.com/watch?v=../etc"} {
		_, err := svc.Resolve(context.Background(), locator)
		assert.ErrorIs(t, err, source.ErrInvalidSource, "locator %q", locator)
	}
	assert.Equal(t, int32(0), store.existsN.Load(), "storage must not be touched")
	assert.Empty(t, fetcher.calls)
}

func TestResolve_FetchesCanonicalURL(t *testing.T) {
	svc, _, fetcher := newService(t)

	_, err := svc.Resolve(context.Background(), "https://m.youtube.com/shorts/abc123?feature=share")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://youtube.com/watch?v=abc123"}, fetcher.urls)
}

func TestResolveSource_RejectsMalformedID(t *testing.T) {
	svc, store, _ := newService(t)

	_, err := svc.ResolveSource(context.Background(), source.Source{ID: "a/b", URL: "x"})
	assert.ErrorIs(t, err, source.ErrInvalidSource)
	assert.Equal(t, int32(0), store.existsN.Load())
}

func TestResolveID(t *testing.T) {
	svc, store, fetcher := newService(t)

	url, err := svc.ResolveID(context.Background(), " abc123 ")
	require.NoError(t, err)
	assert.Equal(t, store.PublicURL("abc123"), url)
	assert.Equal(t, 1, fetcher.callsFor("abc123"))

	_, err = svc.ResolveID(context.Background(), "https://youtu.be/abc123")
	assert.ErrorIs(t, err, source.ErrInvalidSource, "URLs are not identifiers")
}

func TestResolve_UploadFailureLeavesNothingCached(t *testing.T) {
	svc, store, fetcher := newService(t)
	store.uploadErr = &storage.Error{Op: "put", Key: "abc", Cause: errors.New("reset")}

	_, err := svc.Resolve(context.Background(), "abc")
	require.Error(t, err)
	var serr *storage.Error
	assert.ErrorAs(t, err, &serr)
	assert.False(t, store.Exists(context.Background(), "abc"))
	fetcher.assertCleanedUp(t)

	store.uploadErr = nil
	_, err = svc.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callsFor("abc"))
}

func TestResolve_DistinctIDsDoNotBlock(t *testing.T) {
	store := newFakeStore()
	blocking := newFakeFetcher(t)
	blocking.release = make(chan struct{})
	blocking.started = make(chan string, 1)
	flights := coalesce.New(context.Background())

	slowSvc := New(store, blocking, flights)
	done := make(chan error, 1)
	go func() {
		_, err := slowSvc.Resolve(context.Background(), "slow")
		done <- err
	}()
	<-blocking.started

	fastSvc := New(store, newFakeFetcher(t), flights)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url, err := fastSvc.Resolve(ctx, "fast")
	require.NoError(t, err)
	assert.Contains(t, url, "fast")

	close(blocking.release)
	require.NoError(t, <-done)
}

func TestResolve_CallerCancellationKeepsPipelineForOthers(t *testing.T) {
	svc, store, fetcher := newService(t)
	fetcher.release = make(chan struct{})
	fetcher.started = make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := svc.Resolve(ctx, "vid")
		first <- err
	}()
	<-fetcher.started

	second := make(chan error, 1)
	go func() {
		_, err := svc.Resolve(context.Background(), "vid")
		second <- err
	}()
	require.Eventually(t, func() bool {
		return svc.flights.Waiters("vid") == 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(fetcher.release)
	require.NoError(t, <-second)
	assert.True(t, store.Exists(context.Background(), "vid"))
	assert.Equal(t, 1, fetcher.callsFor("vid"))
}

func TestPipeline_DoubleCheckSkipsFetch(t *testing.T) {
	svc, store, fetcher := newService(t)
	store.objects["late"] = []byte("arrived")

	url, err := svc.pipeline(context.Background(), source.Source{ID: "late", URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, store.PublicURL("late"), url)
	assert.Equal(t, 0, fetcher.callsFor("late"))
}

func TestResolve_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store := newFakeStore()
	svc := New(store, newFakeFetcher(t), coalesce.New(context.Background()), WithTracer(tp.Tracer("test")))

	_, err := svc.Resolve(context.Background(), "https://youtu.be/abc")
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"gateway.resolve", "gateway.pipeline"}, names)

	for _, s := range rec.Ended() {
		if s.Name() != "gateway.resolve" {
			continue
		}
		var outcome string
		for _, kv := range s.Attributes() {
			if string(kv.Key) == "resolve.outcome" {
				outcome = kv.Value.AsString()
			}
		}
		assert.Equal(t, "fetched", outcome)
	}
}

func TestResolve_PanicInFetcherIsContained(t *testing.T) {
	store := newFakeStore()
	svc := New(store, panicFetcher{}, coalesce.New(context.Background()))

	_, err := svc.Resolve(context.Background(), "boom")
	require.ErrorIs(t, err, coalesce.ErrPipelinePanic)
	assert.True(t, strings.Contains(err.Error(), "fetcher exploded"))
	assert.Equal(t, 0, svc.Pending())
}

type panicFetcher struct{}

func (panicFetcher) Fetch(context.Context, source.Source) (*fetch.Result, error) {
	panic("fetcher exploded")
}
