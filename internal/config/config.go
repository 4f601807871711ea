// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads the vidgate configuration from defaults, an optional
// YAML file and VIDGATE_* environment variables, in that order of precedence.
package config

import (
	"time"
)

// AppConfig is the complete runtime configuration.
type AppConfig struct {
	Version   string          `yaml:"-"`
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Cache     CacheConfig     `yaml:"cache"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	// RequestTimeout bounds how long one HTTP caller waits for a resolve.
	// The pipeline itself is bounded by fetch.timeout.
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig points at the S3-compatible object store.
type StorageConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	UseSSL       bool   `yaml:"use_ssl"`
	PublicURL    string `yaml:"public_url"`
	EnsureBucket bool   `yaml:"ensure_bucket"`
}

// FetchConfig controls the external fetch tool.
type FetchConfig struct {
	Bin            string        `yaml:"bin"`
	FFmpegLocation string        `yaml:"ffmpeg_location"`
	WorkDir        string        `yaml:"work_dir"`
	Format         string        `yaml:"format"`
	MergeFormat    string        `yaml:"merge_format"`
	Timeout        time.Duration `yaml:"timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	StartRate      float64       `yaml:"start_rate"`
	StartBurst     int           `yaml:"start_burst"`
}

// CacheConfig selects the existence cache.
type CacheConfig struct {
	Backend         string        `yaml:"backend"` // none | memory | redis
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig is used when cache.backend is redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// RateLimitConfig is a per-client-IP request limit.
type RateLimitConfig struct {
	Enabled   bool     `yaml:"enabled"`
	RPM       int      `yaml:"rpm"`
	Whitelist []string `yaml:"whitelist"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:        ":3000",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			RequestTimeout:    35 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Host:         "localhost",
			Port:         9000,
			Bucket:       "ytvideos",
			Region:       "us-east-1",
			EnsureBucket: true,
		},
		Fetch: FetchConfig{
			Bin:           "yt-dlp",
			WorkDir:       "temp",
			Format:        "bestvideo*+bestaudio/best",
			MergeFormat:   "webm",
			Timeout:       30 * time.Minute,
			KillGrace:     5 * time.Second,
			MaxConcurrent: 4,
			StartRate:     2,
			StartBurst:    4,
		},
		Cache: CacheConfig{
			Backend:         "memory",
			TTL:             10 * time.Minute,
			CleanupInterval: time.Minute,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "vidgate:exists:",
			},
		},
		CORS: CORSConfig{
			Origins: []string{"http://localhost:3000"},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPM:     120,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "production",
		},
	}
}
