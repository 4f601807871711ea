// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/vidgate/internal/log"
)

// ConfigHolder holds the live configuration. Only the log level and the CORS
// origins take effect on reload; other changes need a restart.
type ConfigHolder struct {
	mu         sync.RWMutex
	current    AppConfig
	loader     *Loader
	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger
	debounce   time.Duration

	listenersMu sync.RWMutex
	listeners   []chan<- AppConfig
}

// NewConfigHolder creates a holder with an already loaded configuration.
func NewConfigHolder(initial AppConfig, loader *Loader) *ConfigHolder {
	return &ConfigHolder{
		current:    initial,
		loader:     loader,
		configPath: loader.Path(),
		logger:     xglog.WithComponent("config"),
		debounce:   500 * time.Millisecond,
	}
}

// Get returns the current configuration.
func (h *ConfigHolder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// CORSOrigins returns the current origin allow-list.
func (h *ConfigHolder) CORSOrigins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.CORS.Origins
}

// Reload reloads and validates the configuration. On failure the old
// configuration stays in place.
func (h *ConfigHolder) Reload(_ context.Context) error {
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = applyReloadable(prev, next)
	cur := h.current
	h.mu.Unlock()

	if prev.LogLevel != cur.LogLevel {
		if err := xglog.SetLevel(cur.LogLevel); err != nil {
			h.logger.Warn().Err(err).Msg("failed to apply log level")
		}
	}
	h.logChanges(prev, next)
	h.notify(cur)

	h.logger.Info().Str(xglog.FieldEvent, "config.reload_success").Msg("configuration reloaded")
	return nil
}

// applyReloadable copies the hot-reloadable fields of next onto cur.
func applyReloadable(cur, next AppConfig) AppConfig {
	cur.LogLevel = next.LogLevel
	cur.CORS.Origins = slices.Clone(next.CORS.Origins)
	return cur
}

func (h *ConfigHolder) logChanges(prev, next AppConfig) {
	if prev.LogLevel != next.LogLevel {
		h.logger.Info().Str("old", prev.LogLevel).Str("new", next.LogLevel).Msg("log level changed")
	}
	if !slices.Equal(prev.CORS.Origins, next.CORS.Origins) {
		h.logger.Info().Strs("old", prev.CORS.Origins).Strs("new", next.CORS.Origins).Msg("CORS origins changed")
	}
	reloadable := applyReloadable(prev, next)
	if !equalIgnoringVersion(reloadable, next) {
		h.logger.Warn().
			Str(xglog.FieldEvent, "config.restart_required").
			Msg("configuration changes outside log_level and cors need a restart")
	}
}

func equalIgnoringVersion(a, b AppConfig) bool {
	return cmp.Equal(a, b, cmpopts.IgnoreFields(AppConfig{}, "Version"), cmpopts.EquateEmpty())
}

// StartWatcher reloads on file changes until ctx is done. It does nothing
// when no config file is in use.
func (h *ConfigHolder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().
			Str(xglog.FieldEvent, "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher

	h.logger.Info().
		Str(xglog.FieldEvent, "config.watcher_started").
		Str(xglog.FieldPath, h.configPath).
		Msg("watching config file for changes")

	go h.watchLoop(ctx, watcher)
	return nil
}

func (h *ConfigHolder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(xglog.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			h.logger.Debug().Str(xglog.FieldEvent, "config.file_changed").Str("op", event.Op.String()).Msg("config file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(h.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.auto_reload_failed").Msg("automatic config reload failed")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

// RegisterListener receives the configuration after each successful reload.
// Sends are non-blocking; a full channel misses the update.
func (h *ConfigHolder) RegisterListener(ch chan<- AppConfig) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *ConfigHolder) notify(cfg AppConfig) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Msg("config listener channel full, skipping notification")
		}
	}
}
