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
)

const staleSessionReaperCadence = 2 * time.Minute

// staleSessionReaperLoop re-applies the Session Registry's reconciliation
// queries every 2 minutes, closing the gap between boot-time
// reconciliation and ongoing correctness for rows that go stale mid-run
// (named in spec.md §2 component 7, detailed here rather than in §4).
func (c *Controller) staleSessionReaperLoop(ctx context.Context) {
	logger := log.WithComponent("lifecycle.reaper")
	ticker := time.NewTicker(staleSessionReaperCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := c.registry.Reconcile(ctx, time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("stale session reconciliation failed")
				continue
			}
			for i := 0; i < report.StaleStartingTerminated; i++ {
				metrics.IncStaleSessionReaped(string(model.ShutdownStartupTimeout))
			}
			for i := 0; i < report.ExpiredLiveTerminated; i++ {
				metrics.IncStaleSessionReaped(string(model.ShutdownQuotaExpired))
			}
		}
	}
}
