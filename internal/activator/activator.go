// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package activator implements the On-Demand Activator: the "I need a
// GPU now" hot path from spec §4.8. It prefers reusing an already-live
// worker over starting a fresh one, and falls back to a human-readable
// failure only when both the reuse and wake branches come up empty.
package activator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/metrics"
	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/store"
	"golang.org/x/sync/singleflight"
)

// ErrNoCapacity is returned when neither a reusable nor a startable
// worker exists anywhere in the fleet.
var ErrNoCapacity = errors.New("activator: no reusable or startable worker available")

// Starter is the subset of the Lifecycle Controller the activator needs;
// satisfied by *lifecycle.Controller.
type Starter interface {
	StartGPU(ctx context.Context, workerID int64) error
}

// anyKey is the singleflight key used when Activate is called without a
// specific worker in mind, so concurrent "give me any GPU" callers also
// share one in-flight attempt (spec §4.8's single-flight guarantee,
// extended from per-worker to the no-target path per SPEC_FULL.md).
const anyKey = "any"

// Config bundles the activator's collaborators.
type Config struct {
	Workers *store.WorkerRepo
	Starter Starter
	// Locker, when non-nil, backs the in-process singleflight with a
	// distributed lock so a multi-process deployment still gets the
	// single-flight guarantee from spec §8 property 7 / E5.
	Locker DistributedLocker
}

// Activator serves spec §4.8's reuse-then-wake-then-fail sequence.
type Activator struct {
	workers *store.WorkerRepo
	starter Starter
	locker  DistributedLocker
	sf      singleflight.Group
}

// New builds an Activator.
func New(cfg Config) *Activator {
	return &Activator{workers: cfg.Workers, starter: cfg.Starter, locker: cfg.Locker}
}

// Activate runs the reuse-then-wake-then-fail sequence, coalescing
// concurrent callers through a single in-flight attempt.
func (a *Activator) Activate(ctx context.Context) (*model.Worker, error) {
	v, err, shared := a.sf.Do(anyKey, func() (any, error) {
		return a.activateLocked(ctx)
	})
	metrics.ObserveActivatorCoalesced(shared)
	if err != nil {
		return nil, err
	}
	return v.(*model.Worker), nil
}

func (a *Activator) activateLocked(ctx context.Context) (*model.Worker, error) {
	if a.locker != nil {
		unlock, locked, err := a.locker.TryLock(ctx, anyKey, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("activator: distributed lock: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("activator: another process is already activating a worker")
		}
		defer unlock()
	}
	return a.activate(ctx)
}

func (a *Activator) activate(ctx context.Context) (*model.Worker, error) {
	logger := log.WithComponent("activator")
	now := time.Now()

	reusable, err := a.workers.ListReusable(ctx)
	if err != nil {
		return nil, fmt.Errorf("activator: list reusable workers: %w", err)
	}
	if len(reusable) > 0 {
		w := reusable[0]
		if err := a.workers.TouchLastUsed(ctx, w.ID, now); err != nil {
			logger.Error().Err(err).Int64(log.FieldWorkerID, w.ID).Msg("failed to touch last used timestamp on reuse")
		}
		metrics.IncActivation("reused", time.Since(now).Seconds())
		logger.Info().Int64(log.FieldWorkerID, w.ID).Str(log.FieldEvent, "activator.reused").Msg("reused a live worker")
		w.LastUsedAt = &now
		return w, nil
	}

	offline, err := a.workers.ListOffline(ctx)
	if err != nil {
		return nil, fmt.Errorf("activator: list offline workers: %w", err)
	}
	for _, w := range offline {
		if err := a.starter.StartGPU(ctx, w.ID); err != nil {
			logger.Warn().Err(err).Int64(log.FieldWorkerID, w.ID).Msg("activation attempt failed, trying next offline worker")
			continue
		}
		fresh, gerr := a.workers.Get(ctx, w.ID)
		if gerr != nil {
			return nil, fmt.Errorf("activator: reload started worker: %w", gerr)
		}
		metrics.IncActivation("woken", time.Since(now).Seconds())
		logger.Info().Int64(log.FieldWorkerID, w.ID).Str(log.FieldEvent, "activator.woken").Msg("started a fresh worker on demand")
		return fresh, nil
	}

	metrics.IncActivation("failed", time.Since(now).Seconds())
	return nil, ErrNoCapacity
}

// ActivateWorker activates a specific worker: if it's already reusable it
// is returned as-is with lastUsedAt refreshed; if offline, StartGPU runs
// for that worker specifically. Concurrent calls for the same worker id
// share a single in-flight result, per spec §4.8's per-worker guarantee.
func (a *Activator) ActivateWorker(ctx context.Context, workerID int64) (*model.Worker, error) {
	key := fmt.Sprintf("worker:%d", workerID)
	v, err, shared := a.sf.Do(key, func() (any, error) {
		return a.activateWorkerLocked(ctx, workerID)
	})
	metrics.ObserveActivatorCoalesced(shared)
	if err != nil {
		return nil, err
	}
	return v.(*model.Worker), nil
}

func (a *Activator) activateWorkerLocked(ctx context.Context, workerID int64) (*model.Worker, error) {
	if a.locker != nil {
		key := fmt.Sprintf("worker:%d", workerID)
		unlock, locked, err := a.locker.TryLock(ctx, key, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("activator: distributed lock: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("activator: another process is already activating worker %d", workerID)
		}
		defer unlock()
	}

	now := time.Now()
	w, err := a.workers.Get(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("activator: lookup worker: %w", err)
	}
	if w.IsRunning() && w.TunnelURL != "" {
		if err := a.workers.TouchLastUsed(ctx, w.ID, now); err != nil {
			log.WithComponent("activator").Error().Err(err).Int64(log.FieldWorkerID, w.ID).Msg("failed to touch last used timestamp")
		}
		metrics.IncActivation("reused", time.Since(now).Seconds())
		w.LastUsedAt = &now
		return w, nil
	}

	if err := a.starter.StartGPU(ctx, w.ID); err != nil {
		metrics.IncActivation("failed", time.Since(now).Seconds())
		return nil, fmt.Errorf("activator: start worker %d: %w", workerID, err)
	}
	fresh, err := a.workers.Get(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("activator: reload started worker: %w", err)
	}
	metrics.IncActivation("woken", time.Since(now).Seconds())
	return fresh, nil
}
