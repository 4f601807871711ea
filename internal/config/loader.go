// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath string
	version    string
	// ConsumedEnvKeys records every variable the loader looked at.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader. configPath may be empty.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, if any.
func (l *Loader) Path() string { return l.configPath }

// Load returns defaults overlaid with the file and then the environment, validated.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()
	cfg.Version = l.version

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadFile decodes path over cfg. Keys absent from the file keep their value.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) && unknownField(typeErr) {
			return fmt.Errorf("%w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func unknownField(err *yaml.TypeError) bool {
	for _, msg := range err.Errors {
		if strings.Contains(msg, "not found in type") {
			return true
		}
	}
	return false
}

func (l *Loader) env(key string) string {
	key = EnvPrefix + key
	l.ConsumedEnvKeys[key] = struct{}{}
	return key
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.LogLevel = ParseString(l.env("LOG_LEVEL"), cfg.LogLevel)

	s := &cfg.Server
	s.ListenAddr = ParseString(l.env("LISTEN_ADDR"), s.ListenAddr)
	s.RequestTimeout = ParseDuration(l.env("REQUEST_TIMEOUT"), s.RequestTimeout)
	s.ShutdownTimeout = ParseDuration(l.env("SHUTDOWN_TIMEOUT"), s.ShutdownTimeout)

	st := &cfg.Storage
	st.Host = ParseString(l.env("STORAGE_HOST"), st.Host)
	st.Port = ParseInt(l.env("STORAGE_PORT"), st.Port)
	st.AccessKey = ParseString(l.env("STORAGE_ACCESS_KEY"), st.AccessKey)
	st.SecretKey = ParseString(l.env("STORAGE_SECRET_KEY"), st.SecretKey)
	st.Bucket = ParseString(l.env("STORAGE_BUCKET"), st.Bucket)
	st.Region = ParseString(l.env("STORAGE_REGION"), st.Region)
	st.UseSSL = ParseBool(l.env("STORAGE_USE_SSL"), st.UseSSL)
	st.PublicURL = ParseString(l.env("STORAGE_PUBLIC_URL"), st.PublicURL)
	st.EnsureBucket = ParseBool(l.env("STORAGE_ENSURE_BUCKET"), st.EnsureBucket)

	f := &cfg.Fetch
	f.Bin = ParseString(l.env("FETCH_BIN"), f.Bin)
	f.FFmpegLocation = ParseString(l.env("FETCH_FFMPEG"), f.FFmpegLocation)
	f.WorkDir = ParseString(l.env("FETCH_WORK_DIR"), f.WorkDir)
	f.Format = ParseString(l.env("FETCH_FORMAT"), f.Format)
	f.MergeFormat = ParseString(l.env("FETCH_MERGE_FORMAT"), f.MergeFormat)
	f.Timeout = ParseDuration(l.env("FETCH_TIMEOUT"), f.Timeout)
	f.MaxConcurrent = ParseInt(l.env("FETCH_MAX_CONCURRENT"), f.MaxConcurrent)

	c := &cfg.Cache
	c.Backend = ParseString(l.env("CACHE_BACKEND"), c.Backend)
	c.TTL = ParseDuration(l.env("CACHE_TTL"), c.TTL)
	c.Redis.Addr = ParseString(l.env("REDIS_ADDR"), c.Redis.Addr)
	c.Redis.Password = ParseString(l.env("REDIS_PASSWORD"), c.Redis.Password)

	cfg.CORS.Origins = ParseList(l.env("CORS_ORIGINS"), cfg.CORS.Origins)

	cfg.RateLimit.RPM = ParseInt(l.env("RATELIMIT_RPM"), cfg.RateLimit.RPM)
	cfg.RateLimit.Enabled = ParseBool(l.env("RATELIMIT_ENABLED"), cfg.RateLimit.Enabled)

	t := &cfg.Telemetry
	t.Enabled = ParseBool(l.env("OTEL_ENABLED"), t.Enabled)
	t.Exporter = ParseString(l.env("OTEL_EXPORTER"), t.Exporter)
	t.Endpoint = ParseString(l.env("OTEL_ENDPOINT"), t.Endpoint)
}

// EnvKeys lists the consumed variables in sorted order.
func (l *Loader) EnvKeys() []string {
	keys := make([]string, 0, len(l.ConsumedEnvKeys))
	for k := range l.ConsumedEnvKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
