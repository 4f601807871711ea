// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vidgate/internal/config"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.DebugLevel)
}

func testServerConfig() config.ServerConfig {
	cfg := config.Defaults().Server
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func httpGet(t *testing.T, url string) (int, error) {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func waitServing(t *testing.T, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := httpGet(t, url)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeps_Validate(t *testing.T) {
	d := Deps{Logger: zerolog.Nop(), APIHandler: http.NotFoundHandler()}
	assert.ErrorIs(t, d.Validate(), ErrMissingLogger)

	d = Deps{Logger: testLogger()}
	assert.ErrorIs(t, d.Validate(), ErrMissingAPIHandler)

	_, err := NewManager(testServerConfig(), d)
	assert.ErrorIs(t, err, ErrMissingAPIHandler)
}

func TestManager_StartServeShutdown(t *testing.T) {
	ln := listen(t)
	var drained bool
	m, err := NewManager(testServerConfig(), Deps{
		Logger: testLogger(),
		APIHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Listener:       ln,
		BeforeShutdown: func() { drained = true },
	})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"first", "second", "third"} {
		m.RegisterShutdownHook(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	url := "http://" + ln.Addr().String() + "/"
	waitServing(t, url)
	code, err := httpGet(t, url)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, code)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}

	assert.True(t, drained)
	assert.Equal(t, []string{"third", "second", "first"}, order, "hooks run LIFO")
	assert.NoError(t, m.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	m, err := NewManager(testServerConfig(), Deps{Logger: testLogger(), APIHandler: http.NotFoundHandler()})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestManager_HookErrorsAreJoined(t *testing.T) {
	ln := listen(t)
	m, err := NewManager(testServerConfig(), Deps{Logger: testLogger(), APIHandler: http.NotFoundHandler(), Listener: ln})
	require.NoError(t, err)

	boom := errors.New("boom")
	m.RegisterShutdownHook("bad", func(context.Context) error { return boom })
	m.RegisterShutdownHook("good", func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = m.Start(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestManager_ListenFailure(t *testing.T) {
	taken := listen(t)
	defer taken.Close()

	cfg := testServerConfig()
	cfg.ListenAddr = taken.Addr().String()
	m, err := NewManager(cfg, Deps{Logger: testLogger(), APIHandler: http.NotFoundHandler()})
	require.NoError(t, err)

	err = m.Start(context.Background())
	assert.Error(t, err)
}

type fakeManager struct {
	started chan struct{}
}

func (f *fakeManager) Start(ctx context.Context) error {
	close(f.started)
	<-ctx.Done()
	return nil
}

func (f *fakeManager) Shutdown(context.Context) error { return nil }

func (f *fakeManager) RegisterShutdownHook(string, ShutdownHook) {}

func TestApp_Run(t *testing.T) {
	assert.ErrorIs(t, NewApp(testLogger(), nil, nil).Run(context.Background()), ErrMissingManager)

	fm := &fakeManager{started: make(chan struct{})}
	holder := config.NewConfigHolder(config.Defaults(), config.NewLoader("", "test"))
	app := NewApp(testLogger(), fm, holder)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	<-fm.started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
}
