// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/model"
)

const (
	idleWatcherCadence = 5 * time.Minute
	idleTimeout        = 10 * time.Minute
)

// idleWatcherLoop stops any healthy K worker whose lastUsedAt is more
// than 10 minutes old, every 5 minutes. A failed stop does not clear the
// activity timestamp, so the next cycle retries (spec §4.7d). Family C
// follows its fixed rotation schedule instead and is excluded by policy.
func (c *Controller) idleWatcherLoop(ctx context.Context) {
	logger := log.WithComponent("lifecycle.idle")
	ticker := time.NewTicker(idleWatcherCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepIdleWorkers(ctx, logger)
		}
	}
}

func (c *Controller) sweepIdleWorkers(ctx context.Context, logger zerolog.Logger) {
	workers, err := c.workers.ListRunning(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list running workers")
		return
	}

	now := time.Now()
	for _, w := range workers {
		if w.Provider != model.ProviderKaggle {
			continue
		}
		if w.LastUsedAt == nil || now.Sub(*w.LastUsedAt) <= idleTimeout {
			continue
		}
		if err := c.StopGPU(ctx, w.ID, model.ShutdownIdleTimeout); err != nil {
			logger.Warn().Err(err).Int64(log.FieldWorkerID, w.ID).Msg("idle stop failed, will retry next cycle")
		}
	}
}
