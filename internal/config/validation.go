// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

var validMergeFormats = map[string]bool{"webm": true, "mp4": true, "mkv": true}

// Validate reports every impossible value in cfg. The returned error wraps
// ErrInvalidConfig.
func Validate(cfg AppConfig) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil || cfg.LogLevel == "" {
		add("log_level", "unknown level %q", cfg.LogLevel)
	}

	if cfg.Server.ListenAddr == "" {
		add("server.listen_addr", "must not be empty")
	}
	if cfg.Server.RequestTimeout <= 0 {
		add("server.request_timeout", "must be positive")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout", "must be positive")
	}

	st := cfg.Storage
	if st.Host == "" {
		add("storage.host", "must not be empty")
	}
	if st.Port <= 0 || st.Port > 65535 {
		add("storage.port", "out of range: %d", st.Port)
	}
	if st.Bucket == "" {
		add("storage.bucket", "must not be empty")
	} else if len(st.Bucket) < 3 || len(st.Bucket) > 63 || strings.ToLower(st.Bucket) != st.Bucket {
		add("storage.bucket", "%q is not a valid bucket name", st.Bucket)
	}
	if st.PublicURL != "" {
		if u, err := url.Parse(st.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("storage.public_url", "must be an absolute http(s) URL")
		}
	}

	f := cfg.Fetch
	if f.Bin == "" {
		add("fetch.bin", "must not be empty")
	}
	if f.WorkDir == "" {
		add("fetch.work_dir", "must not be empty")
	}
	if !validMergeFormats[f.MergeFormat] {
		add("fetch.merge_format", "unsupported %q (supported: webm, mp4, mkv)", f.MergeFormat)
	}
	if f.Timeout <= 0 {
		add("fetch.timeout", "must be positive")
	}
	if f.MaxConcurrent <= 0 {
		add("fetch.max_concurrent", "must be positive")
	}
	if f.StartRate < 0 {
		add("fetch.start_rate", "must not be negative")
	}

	switch cfg.Cache.Backend {
	case "none", "memory":
	case "redis":
		if cfg.Cache.Redis.Addr == "" {
			add("cache.redis.addr", "required for redis backend")
		}
	default:
		add("cache.backend", "unsupported %q (supported: none, memory, redis)", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend != "none" && cfg.Cache.TTL <= 0 {
		add("cache.ttl", "must be positive")
	}

	for _, o := range cfg.CORS.Origins {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			add("cors.origins", "%q is not an origin", o)
		}
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RPM <= 0 {
		add("ratelimit.rpm", "must be positive when enabled")
	}

	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Exporter != "grpc" && cfg.Telemetry.Exporter != "http" {
			add("telemetry.exporter", "unsupported %q (supported: grpc, http)", cfg.Telemetry.Exporter)
		}
		if cfg.Telemetry.Endpoint == "" {
			add("telemetry.endpoint", "must not be empty")
		}
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		add("telemetry.sampling_rate", "must be within [0,1]")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
