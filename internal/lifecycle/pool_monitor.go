// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"time"

	"github.com/arvidsson/gpufleet/internal/log"
)

const poolMonitorCadence = 60 * time.Second

// poolMonitorLoop diffs the auto-managed inventory count against the
// last-known size every 60s; on change it cancels pending group timers,
// recomputes the Schedule, and re-arms group timers against it (spec
// §4.7b). Reentrant-safe: a tick that overlaps a prior replan simply
// observes the freshly-replanned count and is a no-op.
func (c *Controller) poolMonitorLoop(ctx context.Context) {
	logger := log.WithComponent("lifecycle.pool")
	ticker := time.NewTicker(poolMonitorCadence)
	defer ticker.Stop()

	lastCount := c.currentScheduleWorkerCount()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := c.countAutoManaged(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("failed to count auto-managed workers")
				continue
			}
			if count == lastCount {
				continue
			}
			logger.Info().
				Str(log.FieldEvent, "pool.changed").
				Int("previousCount", lastCount).
				Int("newCount", count).
				Msg("auto-managed pool size changed, replanning")

			c.cancelGroupTimers()
			sched, err := c.replan(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("replan after pool change failed")
				continue
			}
			for _, g := range sched.Groups {
				c.scheduleGroup(ctx, g)
			}
			lastCount = count
		}
	}
}

func (c *Controller) countAutoManaged(ctx context.Context) (int, error) {
	workers, err := c.workers.ListAutoManaged(ctx)
	if err != nil {
		return 0, err
	}
	return len(workers), nil
}

func (c *Controller) currentScheduleWorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, g := range c.schedule.Groups {
		total += len(g.WorkerIDs)
	}
	return total
}
