// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Loader resolves configuration with precedence ENV > defaults. There is no
// YAML configuration file for the controller itself — the only file this
// package watches is the operator-managed secret surface, which discovery
// owns (internal/discovery), not this loader.
type Loader struct {
	version     string
	lookupEnvFn envLookupFunc
}

// NewLoader creates a loader that reads from the real process environment.
func NewLoader(version string) *Loader {
	return NewLoaderWithEnv(version, osLookup)
}

// NewLoaderWithEnv creates a loader with an injected environment source, for tests.
func NewLoaderWithEnv(version string, lookup envLookupFunc) *Loader {
	if lookup == nil {
		lookup = osLookup
	}
	return &Loader{version: version, lookupEnvFn: lookup}
}

// Load builds an AppConfig from defaults overridden by environment
// variables, then validates it.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Default()
	lookup := l.lookupEnvFn

	cfg.DataDir = envString(lookup, "GPUFLEET_DATA_DIR", cfg.DataDir)
	cfg.ListenAddr = envString(lookup, "GPUFLEET_LISTEN_ADDR", cfg.ListenAddr)
	cfg.ReadTimeout = envDuration(lookup, "GPUFLEET_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = envDuration(lookup, "GPUFLEET_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = envDuration(lookup, "GPUFLEET_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = envInt(lookup, "GPUFLEET_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)
	cfg.ShutdownTimeout = envDuration(lookup, "GPUFLEET_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.SecretSurfacePath = envString(lookup, "GPUFLEET_SECRET_SURFACE_PATH", cfg.SecretSurfacePath)
	cfg.DiscoveryInterval = envDuration(lookup, "GPUFLEET_DISCOVERY_INTERVAL", cfg.DiscoveryInterval)

	cfg.RotationSnapshotPath = envString(lookup, "GPUFLEET_ROTATION_SNAPSHOT_PATH", cfg.RotationSnapshotPath)
	cfg.RotationStrategyOverride = envString(lookup, "GPUFLEET_ROTATION_STRATEGY_OVERRIDE", cfg.RotationStrategyOverride)
	cfg.RotationSweepInterval = envDuration(lookup, "GPUFLEET_ROTATION_SWEEP_INTERVAL", cfg.RotationSweepInterval)

	cfg.StaleSessionReapInterval = envDuration(lookup, "GPUFLEET_STALE_REAP_INTERVAL", cfg.StaleSessionReapInterval)
	cfg.IdleCheckInterval = envDuration(lookup, "GPUFLEET_IDLE_CHECK_INTERVAL", cfg.IdleCheckInterval)

	cfg.ActivationLockBackend = envString(lookup, "GPUFLEET_ACTIVATION_LOCK_BACKEND", cfg.ActivationLockBackend)
	cfg.RedisAddr = envString(lookup, "GPUFLEET_REDIS_ADDR", cfg.RedisAddr)

	cfg.VaultBackend = envString(lookup, "GPUFLEET_VAULT_BACKEND", cfg.VaultBackend)
	cfg.HeadlessBrowser = envBool(lookup, "GPUFLEET_HEADLESS", cfg.HeadlessBrowser)
	cfg.DriverStartTimeout = envDuration(lookup, "GPUFLEET_DRIVER_START_TIMEOUT", cfg.DriverStartTimeout)

	cfg.OtelEndpoint = envString(lookup, "GPUFLEET_OTEL_ENDPOINT", cfg.OtelEndpoint)
	cfg.LogLevel = envString(lookup, "GPUFLEET_LOG_LEVEL", cfg.LogLevel)
	cfg.ConfigStrict = envBool(lookup, "GPUFLEET_CONFIG_STRICT", cfg.ConfigStrict)

	cfg.Version = l.version

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// EnsureDataDir creates the configured data directory if it does not exist.
func EnsureDataDir(cfg AppConfig) error {
	return os.MkdirAll(cfg.DataDir, 0o750)
}
