// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"net"
	"strconv"

	"github.com/arvidsson/gpufleet/internal/validate"
)

// Validate validates an AppConfig using the centralized validation package.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.Directory("DataDir", cfg.DataDir, false)

	if _, portStr, err := net.SplitHostPort(cfg.ListenAddr); err == nil {
		if p, perr := strconv.Atoi(portStr); perr == nil {
			v.Port("ListenAddr", p)
		} else {
			v.AddError("ListenAddr", "port must be numeric", cfg.ListenAddr)
		}
	} else {
		v.AddError("ListenAddr", "must be host:port", cfg.ListenAddr)
	}

	v.Positive("ReadTimeout", int(cfg.ReadTimeout))
	v.Positive("WriteTimeout", int(cfg.WriteTimeout))
	v.Positive("IdleTimeout", int(cfg.IdleTimeout))
	v.Positive("ShutdownTimeout", int(cfg.ShutdownTimeout))

	v.Positive("DiscoveryInterval", int(cfg.DiscoveryInterval))
	v.Positive("RotationSweepInterval", int(cfg.RotationSweepInterval))
	v.Positive("StaleSessionReapInterval", int(cfg.StaleSessionReapInterval))
	v.Positive("IdleCheckInterval", int(cfg.IdleCheckInterval))
	v.Positive("DriverStartTimeout", int(cfg.DriverStartTimeout))

	v.OneOf("ActivationLockBackend", cfg.ActivationLockBackend, []string{"memory", "redis"})
	if cfg.ActivationLockBackend == "redis" {
		v.NotEmpty("RedisAddr", cfg.RedisAddr)
	}

	v.OneOf("VaultBackend", cfg.VaultBackend, []string{"env"})

	if cfg.RotationStrategyOverride != "" {
		v.OneOf("RotationStrategyOverride", cfg.RotationStrategyOverride, []string{
			"three-group", "two-group", "mixed", "k-only",
		})
	}

	v.OneOf("LogLevel", cfg.LogLevel, []string{"debug", "info", "warn", "error"})

	return v.Err()
}
