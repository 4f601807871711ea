// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vidgate/internal/log"
)

// EnvPrefix is the prefix of every environment variable read by the loader.
const EnvPrefix = "VIDGATE_"

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "secret") || strings.Contains(k, "password") ||
		strings.Contains(k, "token") || strings.Contains(k, "access_key")
}

// parseEnv reads key and converts it with parse. Unset, empty and unparsable
// values yield def; the chosen source is logged at debug level.
func parseEnv[T any](logger zerolog.Logger, key string, def T, parse func(string) (T, error)) T {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Str("source", "default").Msg("using default value")
		return def
	}
	parsed, err := parse(v)
	if err != nil {
		ev := logger.Warn().Str("key", key).Err(err)
		if !isSensitive(key) {
			ev = ev.Str("value", v)
		}
		ev.Msg("invalid value in environment variable, using default")
		return def
	}
	ev := logger.Debug().Str("key", key).Str("source", "environment")
	if isSensitive(key) {
		ev = ev.Bool("sensitive", true)
	} else {
		ev = ev.Str("value", v)
	}
	ev.Msg("using environment variable")
	return parsed
}

// ParseString reads a string from environment variable or returns default value.
func ParseString(key, defaultValue string) string {
	return parseEnv(log.WithComponent("config"), key, defaultValue, func(s string) (string, error) { return s, nil })
}

// ParseInt reads an integer from environment variable or returns default value.
func ParseInt(key string, defaultValue int) int {
	return parseEnv(log.WithComponent("config"), key, defaultValue, strconv.Atoi)
}

// ParseFloat reads a float64 from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	return parseEnv(log.WithComponent("config"), key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseDuration reads a duration in Go format (e.g. "5s") or returns default value.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(log.WithComponent("config"), key, defaultValue, time.ParseDuration)
}

// ParseBool accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	return parseEnv(log.WithComponent("config"), key, defaultValue, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, strconv.ErrSyntax
	})
}

// ParseList reads a comma-separated list. Blank items are dropped.
func ParseList(key string, defaultValue []string) []string {
	return parseEnv(log.WithComponent("config"), key, defaultValue, func(s string) ([]string, error) {
		return splitList(s), nil
	})
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
