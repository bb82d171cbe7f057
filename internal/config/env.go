// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/otaku840726/streamlink-webrecorder/internal/log"
)

// ParseString reads a string from an environment variable or returns the default.
func ParseString(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		logger := log.WithComponent("config")
		logger.Debug().
			Str("key", key).
			Str("source", "environment").
			Msg("using environment variable")
		return v
	}
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the default.
// Invalid values fall back to the default and are logged.
func ParseInt(key string, defaultValue int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment, using default")
	}
	return defaultValue
}

// ParseDuration reads a duration ("30s", "5m") from an environment variable.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Str("default", defaultValue.String()).
			Msg("invalid duration in environment, using default")
	}
	return defaultValue
}
