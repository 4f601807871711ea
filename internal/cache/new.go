// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package cache

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config selects and configures a cache backend.
type Config struct {
	Backend         string        // none | memory | redis
	CleanupInterval time.Duration // memory janitor interval
	Redis           RedisConfig
}

// New builds the configured backend. An empty backend means memory.
func New(cfg Config, logger zerolog.Logger) (Cache, error) {
	switch cfg.Backend {
	case KindNone:
		return NewNoOpCache(), nil
	case "", KindMemory:
		return NewMemoryCache(cfg.CleanupInterval), nil
	case KindRedis:
		rc, err := NewRedisCache(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q (supported: none, memory, redis)", cfg.Backend)
	}
}
