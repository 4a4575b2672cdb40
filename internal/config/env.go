// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arvidsson/gpufleet/internal/log"
)

type envLookupFunc func(string) (string, bool)

func envString(lookup envLookupFunc, key, defaultValue string) string {
	logger := log.WithComponent("config")
	v, ok := lookup(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	sensitive := strings.Contains(strings.ToLower(key), "key") ||
		strings.Contains(strings.ToLower(key), "password") ||
		strings.Contains(strings.ToLower(key), "token")
	if sensitive {
		logger.Debug().Str("key", key).Bool("sensitive", true).Str("source", "environment").Msg("using environment variable")
	} else {
		logger.Debug().Str("key", key).Str("value", v).Str("source", "environment").Msg("using environment variable")
	}
	return v
}

func envBool(lookup envLookupFunc, key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	v, ok := lookup(key)
	if !ok || v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
	return b
}

func envInt(lookup envLookupFunc, key string, defaultValue int) int {
	logger := log.WithComponent("config")
	v, ok := lookup(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	return i
}

func envDuration(lookup envLookupFunc, key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	v, ok := lookup(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}

func osLookup(key string) (string, bool) { return os.LookupEnv(key) }
