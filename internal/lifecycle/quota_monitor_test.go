// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/quota"
	"github.com/arvidsson/gpufleet/internal/resilience"
	"github.com/arvidsson/gpufleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunQuotaSweep_StopsExhaustedKaggleWorkerAndStartsReplacement(t *testing.T) {
	h := newTestHarness(t)
	kaggleID := h.addWorker(t, model.ProviderKaggle, "kaggle-1")

	// The gate is seeded at C-is-next, so flip it with a colab stop before
	// the kaggle start. Stopping the kaggle worker in the sweep flips it
	// back to C, so the replacement comes from the preferred colab pool.
	require.NoError(t, h.controller.gate.RecordProviderStopped(context.Background(), model.ProviderColab, time.Now()))

	require.NoError(t, h.controller.StartGPU(context.Background(), kaggleID))

	// Backdate the session start far enough that, after StopSession folds
	// the runtime into weeklyUsageSeconds, the worker has under 1h weekly
	// remaining and so cannot itself be the replacement start.
	w, err := h.store.Workers().Get(context.Background(), kaggleID)
	require.NoError(t, err)
	pastStart := time.Now().Add(-20 * time.Hour)
	require.NoError(t, h.store.Workers().StartSession(context.Background(), w.ID, pastStart, model.SessionSafeCap))

	colabID := h.addWorker(t, model.ProviderColab, "colab-1")

	h.controller.runQuotaSweep(context.Background(), testLogger())

	stopped, err := h.store.Workers().Get(context.Background(), kaggleID)
	require.NoError(t, err)
	assert.Nil(t, stopped.SessionStartedAt, "exhausted kaggle worker should have been stopped and stay stopped")

	replacement, err := h.store.Workers().Get(context.Background(), colabID)
	require.NoError(t, err)
	assert.NotNil(t, replacement.SessionStartedAt, "replacement start should have started the colab worker")
}

// TestPublishQuotaEvents_StopsWorkerWhenQuotaServiceFails wires a ledger
// backed by an already-closed store so GetStatus fails, while the
// controller's own worker repo stays healthy -- isolating the fault to
// exactly the quota-service call (spec §4.7's "quota service unreachable"
// failure mode). The worker must not be left running unmonitored.
func TestPublishQuotaEvents_StopsWorkerWhenQuotaServiceFails(t *testing.T) {
	h := newTestHarness(t)
	kaggleID := h.addWorker(t, model.ProviderKaggle, "kaggle-1")
	// The gate is seeded at C-is-next; a colab stop makes kaggle startable.
	require.NoError(t, h.controller.gate.RecordProviderStopped(context.Background(), model.ProviderColab, time.Now()))
	require.NoError(t, h.controller.StartGPU(context.Background(), kaggleID))

	w, err := h.store.Workers().Get(context.Background(), kaggleID)
	require.NoError(t, err)

	brokenStore, err := store.Open(filepath.Join(t.TempDir(), "broken.db"))
	require.NoError(t, err)
	require.NoError(t, brokenStore.Close())
	h.controller.ledger = quota.New(brokenStore.Workers())

	var terminated model.SessionTerminatedPayload
	gotEvent := false
	h.bus.Subscribe(model.EventSessionTerminated, func(_ string, payload any) {
		terminated = payload.(model.SessionTerminatedPayload)
		gotEvent = true
	})

	// A week ahead of w.WeekStartedAt forces ensureWeeklyWindow to actually
	// call ResetWeekly (the lazy weekly-reset rule), which is what exercises
	// the broken ledger's DB call and surfaces the failure.
	future := time.Now().AddDate(0, 0, 8)
	h.controller.publishQuotaEvents(context.Background(), []*model.Worker{w}, future, testLogger())

	require.True(t, gotEvent, "a quota-service failure must stop the worker rather than leave it unmonitored")
	assert.Equal(t, model.ShutdownQuotaServiceError, terminated.Reason)
}

// TestCheckProviderHealth_StopsKaggleWorkerWhenCircuitOpen exercises the
// driver-health probe: a tripped circuit breaker on a live Kaggle session
// means the controller can no longer trust it can stop or renew that
// session, so it force-stops with ShutdownProviderError.
func TestCheckProviderHealth_StopsKaggleWorkerWhenCircuitOpen(t *testing.T) {
	h := newTestHarness(t)
	kaggleID := h.addWorker(t, model.ProviderKaggle, "kaggle-1")
	// The gate is seeded at C-is-next; a colab stop makes kaggle startable.
	require.NoError(t, h.controller.gate.RecordProviderStopped(context.Background(), model.ProviderColab, time.Now()))
	require.NoError(t, h.controller.StartGPU(context.Background(), kaggleID))
	h.kaggle.scrapeErr = resilience.ErrCircuitOpen

	var terminated model.SessionTerminatedPayload
	gotEvent := false
	h.bus.Subscribe(model.EventSessionTerminated, func(_ string, payload any) {
		terminated = payload.(model.SessionTerminatedPayload)
		gotEvent = true
	})

	w, err := h.store.Workers().Get(context.Background(), kaggleID)
	require.NoError(t, err)
	h.controller.checkProviderHealth(context.Background(), []*model.Worker{w}, testLogger())

	require.True(t, gotEvent, "a tripped circuit breaker must force-stop the live session")
	assert.Equal(t, model.ShutdownProviderError, terminated.Reason)
}

// TestCheckProviderHealth_IgnoresColabNotImplemented confirms family C is
// skipped: ColabDriver.ScrapeQuota always returns a not-implemented error,
// which must never be mistaken for a provider outage.
func TestCheckProviderHealth_IgnoresColabNotImplemented(t *testing.T) {
	h := newTestHarness(t)
	colabID := h.addWorker(t, model.ProviderColab, "colab-1")
	require.NoError(t, h.controller.StartGPU(context.Background(), colabID))

	gotEvent := false
	h.bus.Subscribe(model.EventSessionTerminated, func(_ string, _ any) { gotEvent = true })

	w, err := h.store.Workers().Get(context.Background(), colabID)
	require.NoError(t, err)
	h.controller.checkProviderHealth(context.Background(), []*model.Worker{w}, testLogger())

	assert.False(t, gotEvent, "colab workers are never probed for provider health")
}
