// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/arvidsson/gpufleet/internal/config"
	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the runtime environment before the
// controller starts its loops. cfg is assumed already validated by
// config.Validate; these are checks that can't be expressed there because
// they touch the filesystem or network: actual directory writability, an
// actually-reachable listen address, credential source presence.
func PerformStartupChecks(ctx context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}

	if err := checkListenAddr(logger, cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}

	if err := checkSecretSurface(logger, cfg.SecretSurfacePath); err != nil {
		return fmt.Errorf("secret surface check failed: %w", err)
	}

	if cfg.ActivationLockBackend == "redis" {
		if err := checkRedisAddr(logger, cfg.RedisAddr); err != nil {
			return fmt.Errorf("redis activation lock check failed: %w", err)
		}
	}

	if cfg.RotationSnapshotPath != "" {
		if err := checkWritableParent(logger, "RotationSnapshotPath", cfg.RotationSnapshotPath); err != nil {
			return fmt.Errorf("rotation snapshot path check failed: %w", err)
		}
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str(log.FieldPath, path).Msg("data directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

// checkSecretSurface warns (doesn't fail) when no secret surface file is
// configured, since env-only credential sources are valid too (spec §6:
// "absence of any expected pair is non-fatal").
func checkSecretSurface(logger zerolog.Logger, path string) error {
	if path == "" {
		logger.Warn().Msg("no secret surface file configured; relying on environment-only credentials")
		return nil
	}
	if err := checkFileReadable(path); err != nil {
		return fmt.Errorf("secret surface file %q unreadable: %w", path, err)
	}
	logger.Info().Str(log.FieldPath, path).Msg("secret surface file is readable")
	return nil
}

func checkRedisAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return fmt.Errorf("ActivationLockBackend=redis requires RedisAddr to be set")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid redis address %q: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Msg("redis activation lock address is valid")
	return nil
}

func checkWritableParent(logger zerolog.Logger, field, path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
				return fmt.Errorf("%s parent directory %q cannot be created: %w", field, dir, mkErr)
			}
			return nil
		}
		return fmt.Errorf("%s parent directory %q: %w", field, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s parent %q is not a directory", field, dir)
	}
	logger.Info().Str(log.FieldPath, path).Msg("snapshot parent directory is writable")
	return nil
}

func checkFileReadable(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return err
	}
	return f.Close()
}
