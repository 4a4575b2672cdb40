// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package lifecycle implements the Lifecycle Controller: the four
// cooperating loops (rotation executor, pool monitor, quota monitor,
// idle watcher) plus the supplementary stale-session reaper, all
// cancellable from a single Controller, and the StartGPU/StopGPU
// orchestration those loops and the On-Demand Activator share.
package lifecycle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/arvidsson/gpufleet/internal/alternation"
	"github.com/arvidsson/gpufleet/internal/driver"
	"github.com/arvidsson/gpufleet/internal/eventbus"
	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/metrics"
	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/quota"
	"github.com/arvidsson/gpufleet/internal/registry"
	"github.com/arvidsson/gpufleet/internal/rotation"
	"github.com/arvidsson/gpufleet/internal/store"
	"github.com/arvidsson/gpufleet/internal/vault"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// driverCallRate caps how often the Controller fires a browser-automation
// driver call (start or stop) across all workers combined, so a burst of
// rotation-group starts or quota-triggered stops can't hammer either
// provider's automation surface in a way that looks scripted.
const driverCallRate = rate.Limit(1.0 / 2.0) // one call per 2s, sustained
const driverCallBurst = 3

// Drivers resolves the right Provider Driver for a worker's family.
type Drivers struct {
	Colab  driver.Driver
	Kaggle driver.Driver
}

func (d Drivers) forProvider(p model.Provider) driver.Driver {
	if p == model.ProviderColab {
		return d.Colab
	}
	return d.Kaggle
}

// Controller owns the four loops plus the stale-session reaper and the
// StartGPU/StopGPU orchestration they (and the On-Demand Activator) call.
type Controller struct {
	workers  *store.WorkerRepo
	ledger   *quota.Ledger
	gate     *alternation.Gate
	registry *registry.Registry
	vault    vault.Vault
	drivers  Drivers
	bus      *eventbus.Bus
	planner  *rotation.Planner
	callRate *rate.Limiter

	snapshotPath string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	schedule model.Schedule
	timers   []*time.Timer
}

// Config bundles everything the Controller needs to run.
type Config struct {
	Workers      *store.WorkerRepo
	Ledger       *quota.Ledger
	Gate         *alternation.Gate
	Registry     *registry.Registry
	Vault        vault.Vault
	Drivers      Drivers
	Bus          *eventbus.Bus
	SnapshotPath string // optional; empty disables rotation schedule persistence
}

// New builds a Controller. Call Run to start its loops.
func New(cfg Config) *Controller {
	return &Controller{
		workers:      cfg.Workers,
		ledger:       cfg.Ledger,
		gate:         cfg.Gate,
		registry:     cfg.Registry,
		vault:        cfg.Vault,
		drivers:      cfg.Drivers,
		bus:          cfg.Bus,
		planner:      rotation.New(),
		callRate:     rate.NewLimiter(driverCallRate, driverCallBurst),
		snapshotPath: cfg.SnapshotPath,
	}
}

// Run starts all four loops plus the stale-session reaper against a
// derived, cancellable context. Stop cancels that context and waits for
// every loop to return.
func (c *Controller) Run(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.rotationExecutorLoop(loopCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.poolMonitorLoop(loopCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.quotaMonitorLoop(loopCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.idleWatcherLoop(loopCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.staleSessionReaperLoop(loopCtx) }()
}

// Stop cancels every loop's context and waits for them to return.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// StartGPU runs the ten-step activation sequence from spec §4.7, with
// every step a rollback point.
func (c *Controller) StartGPU(ctx context.Context, workerID int64) error {
	return c.startGPU(ctx, workerID, "")
}

// StartGPUWithOverride starts a worker that the quota monitor has already
// cleared through the dual-exhaustion fallback path: the alternation
// rule's canStart check is bypassed (a documented override is in effect,
// per spec §4.7 step 3) and the start is recorded via OverrideFallback
// instead of RecordProviderStarted, so the override is distinctly
// auditable in the alternation history.
func (c *Controller) StartGPUWithOverride(ctx context.Context, workerID int64, reason string) error {
	return c.startGPU(ctx, workerID, reason)
}

// startGPU runs the ten-step activation sequence from spec §4.7. When
// overrideReason is non-empty, step 3's alternation check is skipped and
// step 10 records the start as an override instead of a normal one.
func (c *Controller) startGPU(ctx context.Context, workerID int64, overrideReason string) error {
	logger := log.WithComponent("lifecycle").With().Int64(log.FieldWorkerID, workerID).Logger()
	now := time.Now()

	w, err := c.workers.Get(ctx, workerID)
	if err != nil {
		return fmt.Errorf("lifecycle: lookup worker: %w", err)
	}
	if w.IsRunning() {
		return fmt.Errorf("lifecycle: worker %d already running", workerID)
	}

	canStart, reason, err := c.ledger.CanStart(ctx, w, now)
	if err != nil {
		return fmt.Errorf("lifecycle: quota check: %w", err)
	}
	if !canStart {
		return fmt.Errorf("lifecycle: worker %d refused by quota ledger: %s", workerID, reason)
	}

	if overrideReason == "" {
		allowed, err := c.gate.CanStart(ctx, w.Provider)
		if err != nil {
			return fmt.Errorf("lifecycle: alternation check: %w", err)
		}
		if !allowed {
			return fmt.Errorf("lifecycle: worker %d refused by alternation gate", workerID)
		}
	}

	cfg, err := c.resolveCredentials(w)
	if err != nil {
		logger.Warn().Err(err).Msg("credentials unavailable, refusing start")
		return fmt.Errorf("lifecycle: resolve credentials: %w", err)
	}

	if err := c.ledger.StartSession(ctx, w, now); err != nil {
		return fmt.Errorf("lifecycle: ledger start session: %w", err)
	}

	drv := c.drivers.forProvider(w.Provider)
	if err := c.callRate.Wait(ctx); err != nil {
		if rollbackErr := c.ledger.StopSession(ctx, w, time.Now()); rollbackErr != nil {
			logger.Error().Err(rollbackErr).Msg("failed to roll back ledger after call-rate wait cancellation")
		}
		return fmt.Errorf("lifecycle: wait for driver call slot: %w", err)
	}
	ok, tunnelURL, derr := drv.StartSession(ctx, cfg)
	if derr != nil || !ok {
		metrics.IncDriverCall(string(w.Provider), "start", "error")
		if rollbackErr := c.ledger.StopSession(ctx, w, time.Now()); rollbackErr != nil {
			logger.Error().Err(rollbackErr).Msg("failed to roll back ledger after driver start failure")
		}
		if derr != nil {
			return fmt.Errorf("lifecycle: driver start session: %w", derr)
		}
		return fmt.Errorf("lifecycle: driver refused to start worker %d", workerID)
	}
	metrics.IncDriverCall(string(w.Provider), "start", "success")

	tunnelURL, verr := driver.ValidateTunnelURL(tunnelURL)
	if verr != nil {
		if rollbackErr := c.ledger.StopSession(ctx, w, time.Now()); rollbackErr != nil {
			logger.Error().Err(rollbackErr).Msg("failed to roll back ledger after tunnel url validation failure")
		}
		if stopErr := c.bestEffortDriverStop(ctx, drv, workerID); stopErr != nil {
			logger.Error().Err(stopErr).Msg("failed to stop driver after tunnel url validation failure")
		}
		return fmt.Errorf("lifecycle: worker %d reported an unsafe tunnel url: %w", workerID, verr)
	}

	sessionID := uuid.NewString()
	sessID, err := c.registry.Insert(ctx, &model.Session{
		WorkerID: workerID, SessionID: sessionID, Provider: w.Provider,
		StartedAt: now, ExpiresAt: now.Add(model.SessionSafeCap),
	})
	if err != nil {
		if stopErr := c.bestEffortDriverStop(ctx, drv, workerID); stopErr != nil {
			logger.Error().Err(stopErr).Msg("failed to stop driver after registry insert conflict")
		}
		return fmt.Errorf("lifecycle: insert session row: %w", err)
	}

	if ctx.Err() != nil {
		cleanupCtx := context.Background()
		if termErr := c.registry.Terminate(cleanupCtx, sessID, model.ShutdownStartupError, time.Now()); termErr != nil {
			logger.Error().Err(termErr).Msg("failed to terminate session row after startup cancellation")
		}
		if stopErr := c.bestEffortDriverStop(cleanupCtx, drv, workerID); stopErr != nil {
			logger.Error().Err(stopErr).Msg("failed to stop driver after startup cancellation")
		}
		if rollbackErr := c.ledger.StopSession(cleanupCtx, w, time.Now()); rollbackErr != nil {
			logger.Error().Err(rollbackErr).Msg("failed to roll back ledger after startup cancellation")
		}
		c.bus.Publish(model.EventSessionTerminated, model.SessionTerminatedPayload{
			WorkerID: workerID, SessionID: sessionID, Reason: model.ShutdownStartupError,
		})
		return fmt.Errorf("lifecycle: startup canceled for worker %d: %w", workerID, ctx.Err())
	}

	activated, err := c.registry.Activate(ctx, sessID, tunnelURL)
	if err != nil {
		return fmt.Errorf("lifecycle: activate session: %w", err)
	}
	if !activated {
		if stopErr := c.bestEffortDriverStop(ctx, drv, workerID); stopErr != nil {
			logger.Error().Err(stopErr).Msg("failed to stop driver after activation race")
		}
		return fmt.Errorf("lifecycle: worker %d session was concurrently terminated", workerID)
	}

	if err := c.workers.UpdateTunnelURL(ctx, workerID, tunnelURL); err != nil {
		logger.Error().Err(err).Msg("failed to persist tunnel url")
	}
	if err := c.workers.UpdateStatus(ctx, workerID, model.WorkerHealthy); err != nil {
		logger.Error().Err(err).Msg("failed to persist worker status")
	}
	if err := c.workers.TouchLastUsed(ctx, workerID, now); err != nil {
		logger.Error().Err(err).Msg("failed to touch last used timestamp")
	}

	if overrideReason != "" {
		if err := c.gate.OverrideFallback(ctx, w.Provider, overrideReason, now); err != nil {
			logger.Error().Err(err).Msg("failed to record alternation override")
		}
	} else if err := c.gate.RecordProviderStarted(ctx, w.Provider, now); err != nil {
		logger.Error().Err(err).Msg("failed to record alternation start")
	}

	c.bus.Publish(model.EventSessionStarted, model.SessionStartedPayload{
		WorkerID: workerID, SessionID: sessionID, Provider: w.Provider,
	})

	logger.Info().Str(log.FieldEvent, "lifecycle.gpu_started").Str(log.FieldTunnelURL, tunnelURL).Msg("gpu started")
	return nil
}

// StopGPU performs a best-effort stop: the driver call's outcome never
// prevents the ledger and alternation state from being updated, so
// durable state never desynchronizes from the desire to stop.
func (c *Controller) StopGPU(ctx context.Context, workerID int64, reason model.ShutdownReason) error {
	logger := log.WithComponent("lifecycle").With().Int64(log.FieldWorkerID, workerID).Logger()
	now := time.Now()

	w, err := c.workers.Get(ctx, workerID)
	if err != nil {
		return fmt.Errorf("lifecycle: lookup worker: %w", err)
	}

	drv := c.drivers.forProvider(w.Provider)
	if err := c.callRate.Wait(ctx); err != nil {
		logger.Warn().Err(err).Msg("driver call-rate wait cancelled, stopping anyway")
	}
	if _, stopErr := drv.StopSession(ctx, workerID); stopErr != nil {
		metrics.IncDriverCall(string(w.Provider), "stop", "error")
		logger.Warn().Err(stopErr).Msg("driver stop failed, proceeding with ledger cleanup regardless")
	} else {
		metrics.IncDriverCall(string(w.Provider), "stop", "success")
	}

	if sess, serr := c.registry.GetLiveForWorker(ctx, workerID); serr == nil && sess != nil {
		if termErr := c.registry.Terminate(ctx, sess.ID, reason, now); termErr != nil {
			logger.Error().Err(termErr).Msg("failed to terminate session row")
		} else {
			c.bus.Publish(model.EventSessionTerminated, model.SessionTerminatedPayload{
				WorkerID: workerID, SessionID: sess.SessionID, Reason: reason,
			})
		}
	}

	if err := c.ledger.StopSession(ctx, w, now); err != nil {
		logger.Error().Err(err).Msg("failed to stop ledger session")
	}
	if err := c.gate.RecordProviderStopped(ctx, w.Provider, now); err != nil {
		logger.Error().Err(err).Msg("failed to record alternation stop")
	}

	logger.Info().Str(log.FieldEvent, "lifecycle.gpu_stopped").Str(log.FieldShutdownReason, string(reason)).Msg("gpu stopped")
	return nil
}

func (c *Controller) bestEffortDriverStop(ctx context.Context, drv driver.Driver, workerID int64) error {
	_, err := drv.StopSession(ctx, workerID)
	return err
}

func (c *Controller) resolveCredentials(w *model.Worker) (driver.StartConfig, error) {
	cfg := driver.StartConfig{WorkerID: w.ID, AccountID: w.AccountID}
	switch w.Provider {
	case model.ProviderKaggle:
		creds, err := c.vault.RetrieveKaggle(w.AccountID)
		if err != nil {
			return cfg, err
		}
		cfg.Kaggle = creds
	case model.ProviderColab:
		creds, err := c.vault.RetrieveGoogle(w.AccountID)
		if err != nil {
			return cfg, err
		}
		cfg.Colab = creds
	}
	return cfg, nil
}

// progressiveDelay implements the rotation executor's human-like stagger:
// ~3s baseline + ~1s per index, with ±30% jitter.
func progressiveDelay(index int) time.Duration {
	base := 3*time.Second + time.Duration(index)*time.Second
	jitter := (rand.Float64()*0.6 - 0.3) * float64(base)
	return base + time.Duration(jitter)
}

// humanizedSleep is the quota monitor's ~2s ± jitter pacing between
// sequential stop calls, so the fleet doesn't hammer providers in lockstep.
func humanizedSleep() time.Duration {
	base := 2 * time.Second
	jitter := (rand.Float64()*0.6 - 0.3) * float64(base)
	return base + time.Duration(jitter)
}
