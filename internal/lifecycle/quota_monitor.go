// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/resilience"
	"github.com/rs/zerolog"

	"github.com/arvidsson/gpufleet/internal/log"
)

const quotaMonitorCadence = 60 * time.Second

// quotaWarningThresholdPercent is the session-runtime utilization level at
// which a worker still running gets a QUOTA_WARNING notification on the
// event bus (spec §6), so a collaborator UI can surface "running low"
// before the stop actually fires. It is 85% of the safe cap, expressed on
// GetStatus's UtilizationPercent scale (runtime as a share of
// SessionHardMax): 59.5%, about 75 minutes before the 8.4h stop.
const quotaWarningThresholdPercent = 0.85 * model.SafeCapRatio * 100

// quotaMonitorLoop calls GetGPUsToStop every 60s; each returned K worker
// is stopped with a humanized pause between calls, and a replacement
// start is attempted, falling back across pools and overriding the
// alternation rule on dual exhaustion (spec §4.7c).
func (c *Controller) quotaMonitorLoop(ctx context.Context) {
	logger := log.WithComponent("lifecycle.quota")
	ticker := time.NewTicker(quotaMonitorCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runQuotaSweep(ctx, logger)
		}
	}
}

func (c *Controller) runQuotaSweep(ctx context.Context, logger zerolog.Logger) {
	now := time.Now()

	workers, err := c.workers.ListRunning(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list running workers")
		return
	}

	c.publishQuotaEvents(ctx, workers, now, logger)
	c.checkProviderHealth(ctx, workers, logger)

	toStop, err := c.ledger.GetGPUsToStop(ctx, workers, now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to evaluate stop candidates")
		return
	}

	for i, w := range toStop {
		if ctx.Err() != nil {
			return
		}
		if err := c.StopGPU(ctx, w.ID, model.ShutdownWeeklyQuota); err != nil {
			logger.Warn().Err(err).Int64(log.FieldWorkerID, w.ID).Msg("quota-triggered stop failed")
		}
		if i < len(toStop)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(humanizedSleep()):
			}
		}
		c.attemptReplacementStart(ctx, logger)
	}
}

// publishQuotaEvents walks the running fleet and fires QUOTA_WARNING for
// workers approaching their safe cap and QUOTA_EXHAUSTED for ones already
// past it, so collaborators subscribed to the event bus see both states
// independent of whether GetGPUsToStop also acts on the latter this cycle.
func (c *Controller) publishQuotaEvents(ctx context.Context, workers []*model.Worker, now time.Time, logger zerolog.Logger) {
	for _, w := range workers {
		st, err := c.ledger.GetStatus(ctx, w, now)
		if err != nil {
			logger.Error().Err(err).Int64(log.FieldWorkerID, w.ID).Msg("failed to evaluate quota status")
			if stopErr := c.StopGPU(ctx, w.ID, model.ShutdownQuotaServiceError); stopErr != nil {
				logger.Error().Err(stopErr).Int64(log.FieldWorkerID, w.ID).Msg("failed to stop worker after quota service failure")
			}
			continue
		}
		if st.ShouldStop {
			c.bus.Publish(model.EventQuotaExhausted, model.QuotaExhaustedPayload{
				WorkerID: w.ID, Provider: w.Provider,
			})
		} else if st.UtilizationPercent >= quotaWarningThresholdPercent {
			c.bus.Publish(model.EventQuotaWarning, model.QuotaWarningPayload{
				WorkerID: w.ID, Percent: st.UtilizationPercent,
			})
		}
	}
}

// checkProviderHealth probes each live Kaggle worker's driver circuit
// breaker via ScrapeQuota (spec §4.4's optional reconciliation call). A
// tripped breaker means the family's automation surface is failing
// broadly, so the controller can no longer trust its own ability to stop
// or renew that session cleanly: rather than let it run unmanaged until
// the provider's own hard cap cuts it off, it is force-stopped with
// ShutdownProviderError. Family C is skipped: ColabDriver never offers a
// quota scrape, so a perpetual "not implemented" result carries no
// health signal.
func (c *Controller) checkProviderHealth(ctx context.Context, workers []*model.Worker, logger zerolog.Logger) {
	for _, w := range workers {
		if w.Provider != model.ProviderKaggle {
			continue
		}
		_, err := c.drivers.forProvider(w.Provider).ScrapeQuota(ctx, w.ID)
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			continue
		}
		logger.Warn().Int64(log.FieldWorkerID, w.ID).Msg("provider circuit open for live session, force-stopping")
		if stopErr := c.StopGPU(ctx, w.ID, model.ShutdownProviderError); stopErr != nil {
			logger.Error().Err(stopErr).Int64(log.FieldWorkerID, w.ID).Msg("provider-error stop failed")
		}
	}
}

// attemptReplacementStart implements the dual-exhaustion fallback from
// spec §4.7c: try the alternation-preferred pool first, then the other
// pool with an explicit override, logging and waiting if both are
// exhausted.
func (c *Controller) attemptReplacementStart(ctx context.Context, logger zerolog.Logger) {
	preferred, err := c.gate.NextProvider(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read next provider from alternation gate")
		return
	}

	candidate, err := c.firstStartableWorker(ctx, preferred)
	if err != nil {
		logger.Error().Err(err).Msg("failed to scan preferred pool for replacement start")
		return
	}
	if candidate != nil {
		if err := c.StartGPU(ctx, candidate.ID); err != nil {
			logger.Warn().Err(err).Int64(log.FieldWorkerID, candidate.ID).Msg("replacement start failed on preferred pool")
		}
		return
	}

	fallback := preferred.Opposite()
	altCandidate, err := c.firstStartableWorker(ctx, fallback)
	if err != nil {
		logger.Error().Err(err).Msg("failed to scan alternate pool for replacement start")
		return
	}
	if altCandidate == nil {
		logger.Warn().
			Str(log.FieldEvent, "quota.dual_exhaustion").
			Str("preferred", string(preferred)).
			Str("fallback", string(fallback)).
			Msg("both provider pools exhausted, no replacement start possible")
		return
	}

	overrideReason := "dual exhaustion: preferred pool had no startable worker"
	if err := c.StartGPUWithOverride(ctx, altCandidate.ID, overrideReason); err != nil {
		logger.Warn().Err(err).Int64(log.FieldWorkerID, altCandidate.ID).Msg("replacement start failed on fallback pool")
	}
}

func (c *Controller) firstStartableWorker(ctx context.Context, p model.Provider) (*model.Worker, error) {
	workers, err := c.workers.ListByProvider(ctx, p)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, w := range workers {
		ok, _, err := c.ledger.CanStart(ctx, w, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return w, nil
		}
	}
	return nil, nil
}
