// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"time"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/metrics"
	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/rotation"
)

// rotationExecutorLoop computes the initial Schedule and then, for each
// Group, fires StartGroup at its start offset and every 24h thereafter,
// and StopGroup at startOffset+duration each cycle (spec §4.7a).
func (c *Controller) rotationExecutorLoop(ctx context.Context) {
	logger := log.WithComponent("lifecycle.rotation")

	sched, err := c.replan(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("initial rotation plan failed")
		return
	}

	for _, g := range sched.Groups {
		c.scheduleGroup(ctx, g)
	}

	<-ctx.Done()
	c.cancelGroupTimers()
}

// replan recomputes the Schedule from current inventory, persists it for
// operator visibility if a snapshot path is configured, and records it
// for the pool monitor's change detection.
func (c *Controller) replan(ctx context.Context) (model.Schedule, error) {
	logger := log.WithComponent("lifecycle.rotation")

	colab, err := c.workers.ListByProvider(ctx, model.ProviderColab)
	if err != nil {
		return model.Schedule{}, err
	}
	kaggle, err := c.workers.ListByProvider(ctx, model.ProviderKaggle)
	if err != nil {
		return model.Schedule{}, err
	}

	sched := c.planner.Plan(rotation.Inventory{
		ColabWorkerIDs:  workerIDs(colab),
		KaggleWorkerIDs: workerIDs(kaggle),
	}, time.Now())

	metrics.IncRotationSweep(sched.Strategy)
	metrics.SetRotationGroupCoverage("fleet", sched.Coverage.AverageOnline)

	if c.snapshotPath != "" {
		if err := rotation.WriteSnapshot(c.snapshotPath, sched); err != nil {
			logger.Warn().Err(err).Msg("failed to persist rotation schedule snapshot")
		}
	}

	c.mu.Lock()
	c.schedule = sched
	c.mu.Unlock()

	logger.Info().
		Str(log.FieldEvent, "rotation.replanned").
		Str("strategy", sched.Strategy).
		Int("groups", len(sched.Groups)).
		Msg("rotation schedule computed")

	return sched, nil
}

func workerIDs(workers []*model.Worker) []int64 {
	ids := make([]int64, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	return ids
}

// scheduleGroup arms the start and stop timers for one Group's first
// cycle; each fired timer re-arms itself 24h later.
func (c *Controller) scheduleGroup(ctx context.Context, g model.Group) {
	startAt := time.Duration(g.StartOffsetHours * float64(time.Hour))
	stopAt := startAt + time.Duration(g.DurationHours*float64(time.Hour))

	var startTimer, stopTimer *time.Timer
	startTimer = time.AfterFunc(startAt, func() { c.onGroupStart(ctx, g, startTimer) })
	stopTimer = time.AfterFunc(stopAt, func() { c.onGroupStop(ctx, g, stopTimer) })

	c.mu.Lock()
	c.timers = append(c.timers, startTimer, stopTimer)
	c.mu.Unlock()
}

func (c *Controller) onGroupStart(ctx context.Context, g model.Group, self *time.Timer) {
	if ctx.Err() != nil {
		return
	}
	c.startGroup(ctx, g)
	self.Reset(24 * time.Hour)
}

func (c *Controller) onGroupStop(ctx context.Context, g model.Group, self *time.Timer) {
	if ctx.Err() != nil {
		return
	}
	c.stopGroup(ctx, g)
	self.Reset(24 * time.Hour)
}

// startGroup starts every worker in the group sequentially with a
// progressive human-like delay; one worker's failure never blocks the
// rest (spec §4.7a).
func (c *Controller) startGroup(ctx context.Context, g model.Group) {
	logger := log.WithComponent("lifecycle.rotation").With().Str("groupId", g.GroupID).Logger()
	for i, workerID := range g.WorkerIDs {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(progressiveDelay(i)):
			}
		}
		if err := c.StartGPU(ctx, workerID); err != nil {
			logger.Warn().Err(err).Int64(log.FieldWorkerID, workerID).Msg("group start failed for worker")
		}
	}
}

func (c *Controller) stopGroup(ctx context.Context, g model.Group) {
	logger := log.WithComponent("lifecycle.rotation").With().Str("groupId", g.GroupID).Logger()
	for _, workerID := range g.WorkerIDs {
		if err := c.StopGPU(ctx, workerID, model.ShutdownSessionLimit); err != nil {
			logger.Warn().Err(err).Int64(log.FieldWorkerID, workerID).Msg("group stop failed for worker")
		}
	}
}

func (c *Controller) cancelGroupTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}
