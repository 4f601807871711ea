// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xglog "github.com/ManuGH/vidgate/internal/log"
)

func newHolder(t *testing.T, body string) (*ConfigHolder, string) {
	t.Helper()
	path := writeConfig(t, body)
	loader := NewLoader(path, "test")
	cfg, err := loader.Load()
	require.NoError(t, err)
	t.Cleanup(func() { _ = xglog.SetLevel("info") })
	return NewConfigHolder(cfg, loader), path
}

func TestReload_AppliesReloadableFields(t *testing.T) {
	h, path := newHolder(t, "log_level: info\ncors:\n  origins: [\"http://a.example\"]\n")

	updates := make(chan AppConfig, 1)
	h.RegisterListener(updates)

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\ncors:\n  origins: [\"http://b.example\"]\nstorage:\n  host: elsewhere\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))

	cur := h.Get()
	assert.Equal(t, "debug", cur.LogLevel)
	assert.Equal(t, []string{"http://b.example"}, h.CORSOrigins())
	assert.Equal(t, "localhost", cur.Storage.Host, "non-reloadable fields keep their startup value")

	select {
	case got := <-updates:
		assert.Equal(t, "debug", got.LogLevel)
	default:
		t.Fatal("listener was not notified")
	}
}

func TestReload_InvalidFileKeepsCurrent(t *testing.T) {
	h, path := newHolder(t, "log_level: warn\n")

	require.NoError(t, os.WriteFile(path, []byte("log_level: shouting\n"), 0o600))
	err := h.Reload(context.Background())
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, "warn", h.Get().LogLevel)
}

func TestStartWatcher_NoFile(t *testing.T) {
	loader := NewLoader("", "")
	cfg, err := loader.Load()
	require.NoError(t, err)
	h := NewConfigHolder(cfg, loader)
	assert.NoError(t, h.StartWatcher(context.Background()))
}

func TestStartWatcher_ReloadsOnWrite(t *testing.T) {
	h, path := newHolder(t, "log_level: info\n")
	h.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.StartWatcher(ctx))

	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0o600))

	assert.Eventually(t, func() bool {
		return h.Get().LogLevel == "error"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEqualIgnoringVersion(t *testing.T) {
	a := Defaults()
	b := Defaults()
	b.Version = "other"
	assert.True(t, equalIgnoringVersion(a, b))

	b.Storage.Host = "x"
	assert.False(t, equalIgnoringVersion(a, b))
}
