// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads, validates, and hot-reloads the fleet controller's
// runtime configuration.
package config

import "time"

// AppConfig is the fully resolved, validated configuration for one
// controller process.
type AppConfig struct {
	Version string

	// DataDir holds the SQLite store and the rotation schedule snapshot.
	DataDir string

	// ListenAddr is the internal observability mux (/healthz, /readyz, /metrics).
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	ShutdownTimeout time.Duration

	// SecretSurfacePath, if set, is a KEY=VALUE file scanned for numbered
	// provider credentials and watched for hot-reload. When set, the file is
	// the only credential source; empty means the process environment is
	// scanned instead.
	SecretSurfacePath string

	// DiscoveryInterval is how often the auto-discovery sweep re-scans the
	// secret surface for added/removed credentials.
	DiscoveryInterval time.Duration

	// RotationSnapshotPath is where the computed RotationSchedule is
	// persisted atomically (renameio) for operator visibility.
	RotationSnapshotPath string

	// RotationStrategyOverride is loaded from the environment, but the
	// planner does not read it: the strategy is always derived from
	// (cCount, kCount).
	RotationStrategyOverride string

	// RotationSweepInterval is loaded from the environment, but nothing
	// reads it: replans come from the 60s pool monitor, and group timers
	// re-arm every 24h.
	RotationSweepInterval time.Duration

	// StaleSessionReapInterval is loaded from the environment, but the
	// reaper loop runs on its own fixed 2-minute cadence.
	StaleSessionReapInterval time.Duration

	// IdleCheckInterval is loaded from the environment, but the idle
	// watcher runs on its own fixed 5-minute cadence.
	IdleCheckInterval time.Duration

	// ActivationLockBackend selects the On-Demand Activator's distributed
	// lock: "memory" (singleflight only, single-process) or "redis".
	ActivationLockBackend string
	RedisAddr             string

	// VaultBackend selects the credential vault implementation. Only "env"
	// is implemented today; the field exists so a future secret manager
	// backend has a switch to land on.
	VaultBackend string

	// HeadlessBrowser toggles headless mode for the go-rod driven Provider
	// Drivers. Operators running interactively (e.g. to solve a captcha
	// once) set this false.
	HeadlessBrowser bool

	// DriverStartTimeout is the go-rod base driver's per-navigation timeout.
	// The overall wait for a tunnel URL in StartSession is bounded
	// separately by the drivers' fixed 180s start timeout (spec §4.4).
	DriverStartTimeout time.Duration

	OtelEndpoint string
	LogLevel     string
	ConfigStrict bool
}

// Snapshot is the immutable, effective runtime configuration handed to
// collaborators. Epoch increments on every successful reload so a caller
// can detect it has observed two different configurations mid-operation.
type Snapshot struct {
	Epoch uint64
	App   AppConfig
}

// Default returns the zero-credential, safe-by-default configuration used
// when no environment variables are set.
func Default() AppConfig {
	return AppConfig{
		DataDir:                  "./data",
		ListenAddr:               ":9090",
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
		IdleTimeout:              60 * time.Second,
		MaxHeaderBytes:           1 << 20,
		ShutdownTimeout:          15 * time.Second,
		DiscoveryInterval:        5 * time.Minute,
		RotationSnapshotPath:     "./data/schedule.json",
		RotationSweepInterval:    10 * time.Minute,
		StaleSessionReapInterval: 2 * time.Minute,
		IdleCheckInterval:        30 * time.Second,
		ActivationLockBackend:    "memory",
		VaultBackend:             "env",
		HeadlessBrowser:          true,
		DriverStartTimeout:       180 * time.Second,
		LogLevel:                 "info",
	}
}
