// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/rs/zerolog"
)

// ConfigHolder holds configuration with atomic reloading capability. The
// controller never hot-reloads AppConfig from a file of its own — the only
// watched file is the operator-managed secret surface, owned by
// internal/discovery — but Reload still gives operators a manual ENV-only
// re-evaluation path (e.g. after rotating GPUFLEET_* env vars via systemd).
type ConfigHolder struct {
	reloadOpMu sync.Mutex
	epoch      atomic.Uint64
	snapshot   atomic.Pointer[Snapshot]
	loader     *Loader
	logger     zerolog.Logger

	reloadMu        sync.RWMutex
	reloadListeners []chan<- AppConfig
}

// NewConfigHolder creates a configuration holder seeded with an
// already-loaded, already-validated initial config.
func NewConfigHolder(initial AppConfig, loader *Loader) *ConfigHolder {
	h := &ConfigHolder{
		loader:          loader,
		logger:          log.WithComponent("config"),
		reloadListeners: make([]chan<- AppConfig, 0),
	}
	h.Swap(&Snapshot{App: initial})
	return h
}

// Get returns the current configuration (thread-safe read).
func (h *ConfigHolder) Get() AppConfig {
	return h.Snapshot().App
}

// Current returns the current immutable runtime snapshot pointer.
func (h *ConfigHolder) Current() *Snapshot {
	return h.snapshot.Load()
}

// Swap atomically swaps the current snapshot, assigning it the next epoch.
func (h *ConfigHolder) Swap(next *Snapshot) (prev *Snapshot) {
	if next == nil {
		return h.snapshot.Load()
	}
	next.Epoch = h.epoch.Add(1)
	return h.snapshot.Swap(next)
}

// Snapshot returns a copy of the current immutable runtime snapshot.
func (h *ConfigHolder) Snapshot() Snapshot {
	snap := h.Current()
	if snap == nil {
		return Snapshot{}
	}
	return *snap
}

// Reload re-reads environment variables and validates the result. If
// validation fails, the old configuration is kept and an error is returned.
func (h *ConfigHolder) Reload(_ context.Context) error {
	h.reloadOpMu.Lock()
	defer h.reloadOpMu.Unlock()

	h.logger.Info().Str(log.FieldEvent, "config.reload_start").Msg("reloading configuration")

	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.Swap(&Snapshot{App: newCfg})
	h.notifyListeners(newCfg)

	h.logger.Info().Str(log.FieldEvent, "config.reload_success").Msg("configuration reloaded successfully")
	return nil
}

// RegisterListener registers a channel to receive config reload
// notifications. The caller is responsible for closing the channel.
func (h *ConfigHolder) RegisterListener(ch chan<- AppConfig) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.reloadListeners = append(h.reloadListeners, ch)
}

func (h *ConfigHolder) notifyListeners(newCfg AppConfig) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()

	for _, ch := range h.reloadListeners {
		select {
		case ch <- newCfg:
		default:
			h.logger.Warn().Str(log.FieldEvent, "config.listener_skip").Msg("skipped notifying listener (channel full)")
		}
	}
}
