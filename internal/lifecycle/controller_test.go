// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arvidsson/gpufleet/internal/alternation"
	"github.com/arvidsson/gpufleet/internal/driver"
	"github.com/arvidsson/gpufleet/internal/eventbus"
	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/quota"
	"github.com/arvidsson/gpufleet/internal/registry"
	"github.com/arvidsson/gpufleet/internal/store"
	"github.com/arvidsson/gpufleet/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver is an in-memory driver.Driver double for exercising the
// Lifecycle Controller without a real browser.
type fakeDriver struct {
	mu          sync.Mutex
	startOK     bool
	startErr    error
	stopErr     error
	scrapeErr   error
	startCalls  int
	stopCalls   int
	tunnelURLFn func(workerID int64) string
	// afterStart runs after a successful StartSession computes its result
	// but before returning it, so a test can simulate the caller's context
	// being canceled while the driver call was in flight.
	afterStart func()
}

func (d *fakeDriver) StartSession(_ context.Context, cfg driver.StartConfig) (bool, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startCalls++
	if d.startErr != nil {
		return false, "", d.startErr
	}
	if !d.startOK {
		return false, "", nil
	}
	url := fmt.Sprintf("https://tunnel.example/%d", cfg.WorkerID)
	if d.tunnelURLFn != nil {
		url = d.tunnelURLFn(cfg.WorkerID)
	}
	if d.afterStart != nil {
		d.afterStart()
	}
	return true, url, nil
}

func (d *fakeDriver) StopSession(_ context.Context, _ int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCalls++
	if d.stopErr != nil {
		return false, d.stopErr
	}
	return true, nil
}

func (d *fakeDriver) ScrapeQuota(_ context.Context, workerID int64) (quota.QuotaSnapshot, error) {
	if d.scrapeErr != nil {
		return quota.QuotaSnapshot{}, d.scrapeErr
	}
	return quota.QuotaSnapshot{WorkerID: workerID}, nil
}

// fakeVault always returns credentials, keyed loosely off accountID.
type fakeVault struct{}

func (fakeVault) RetrieveKaggle(accountID string) (*vault.KaggleCredentials, error) {
	return &vault.KaggleCredentials{Username: accountID, Key: "key"}, nil
}

func (fakeVault) RetrieveGoogle(accountID string) (*vault.GoogleCredentials, error) {
	return &vault.GoogleCredentials{Email: accountID + "@example.com", Password: "pw"}, nil
}

type testHarness struct {
	store      *store.Store
	controller *Controller
	colab      *fakeDriver
	kaggle     *fakeDriver
	bus        *eventbus.Bus
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "fleet.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	gate := alternation.New(s.Alternation())
	require.NoError(t, gate.EnsureSeeded(context.Background()))

	colab := &fakeDriver{startOK: true}
	kaggle := &fakeDriver{startOK: true}
	bus := eventbus.New()

	ctrl := New(Config{
		Workers:  s.Workers(),
		Ledger:   quota.New(s.Workers()),
		Gate:     gate,
		Registry: registry.New(s.Sessions()),
		Vault:    fakeVault{},
		Drivers:  Drivers{Colab: colab, Kaggle: kaggle},
		Bus:      bus,
	})

	return &testHarness{store: s, controller: ctrl, colab: colab, kaggle: kaggle, bus: bus}
}

func (h *testHarness) addWorker(t *testing.T, p model.Provider, accountID string) int64 {
	t.Helper()
	w := &model.Worker{
		Provider: p, AccountID: accountID, Status: model.WorkerOffline, AutoManaged: true,
	}
	if p == model.ProviderKaggle {
		weeklyCap := int64(model.KaggleWeeklySafeCap.Seconds())
		w.MaxWeeklySeconds = &weeklyCap
	}
	id, err := h.store.Workers().Upsert(context.Background(), w)
	require.NoError(t, err)
	return id
}

func TestStartGPU_HappyPathActivatesWorkerAndRecordsAlternation(t *testing.T) {
	h := newTestHarness(t)
	workerID := h.addWorker(t, model.ProviderColab, "colab-1")

	require.NoError(t, h.controller.StartGPU(context.Background(), workerID))

	w, err := h.store.Workers().Get(context.Background(), workerID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkerHealthy, w.Status)
	assert.NotNil(t, w.SessionStartedAt)
	assert.Equal(t, "https://tunnel.example/"+fmt.Sprint(workerID), w.TunnelURL)

	sess, err := h.controller.registry.GetLiveForWorker(context.Background(), workerID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, model.SessionActive, sess.Status)

	next, err := h.controller.gate.NextProvider(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ProviderColab, next, "starting doesn't change nextProvider, only stopping does")
}

func TestStartGPU_RefusesAlreadyRunningWorker(t *testing.T) {
	h := newTestHarness(t)
	workerID := h.addWorker(t, model.ProviderColab, "colab-1")

	require.NoError(t, h.controller.StartGPU(context.Background(), workerID))
	err := h.controller.StartGPU(context.Background(), workerID)
	require.Error(t, err)
}

func TestStartGPU_RollsBackLedgerWhenDriverFails(t *testing.T) {
	h := newTestHarness(t)
	h.colab.startOK = false
	workerID := h.addWorker(t, model.ProviderColab, "colab-1")

	err := h.controller.StartGPU(context.Background(), workerID)
	require.Error(t, err)

	w, werr := h.store.Workers().Get(context.Background(), workerID)
	require.NoError(t, werr)
	assert.Nil(t, w.SessionStartedAt, "ledger session must be rolled back on driver failure")
	assert.Equal(t, model.WorkerOffline, w.Status)
}

func TestStartGPU_RefusedByAlternationGateForWrongProvider(t *testing.T) {
	h := newTestHarness(t)
	// First worker started is Colab per the default nextProvider == C rule.
	colabID := h.addWorker(t, model.ProviderColab, "colab-1")
	require.NoError(t, h.controller.StartGPU(context.Background(), colabID))

	// Starting a worker does not change nextProvider (only a stop does), so
	// the gate still expects C and a Kaggle worker is refused by
	// alternation.
	kaggleID := h.addWorker(t, model.ProviderKaggle, "kaggle-1")
	err := h.controller.StartGPU(context.Background(), kaggleID)
	require.Error(t, err, "kaggle should be refused while alternation still expects colab")
}

func TestStopGPU_UpdatesLedgerAndAlternationEvenWhenDriverFails(t *testing.T) {
	h := newTestHarness(t)
	workerID := h.addWorker(t, model.ProviderColab, "colab-1")
	require.NoError(t, h.controller.StartGPU(context.Background(), workerID))

	h.colab.stopErr = fmt.Errorf("simulated driver outage")
	require.NoError(t, h.controller.StopGPU(context.Background(), workerID, model.ShutdownManualStop))

	w, err := h.store.Workers().Get(context.Background(), workerID)
	require.NoError(t, err)
	assert.Nil(t, w.SessionStartedAt)
	assert.NotNil(t, w.CooldownUntil, "colab stop sets cooldown regardless of driver error")

	next, err := h.controller.gate.NextProvider(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ProviderKaggle, next, "stopping colab flips nextProvider to kaggle")
}

func TestStopGPU_TerminatesLiveSessionRow(t *testing.T) {
	h := newTestHarness(t)
	workerID := h.addWorker(t, model.ProviderColab, "colab-1")
	require.NoError(t, h.controller.StartGPU(context.Background(), workerID))

	require.NoError(t, h.controller.StopGPU(context.Background(), workerID, model.ShutdownManualStop))

	sess, err := h.controller.registry.GetLiveForWorker(context.Background(), workerID)
	require.NoError(t, err)
	assert.Nil(t, sess, "no live session should remain after stop")
}

// cancelableCtx lets a test flip ctx.Err() to context.Canceled at a chosen
// moment without closing Done(), so code paths that gate on the Done()
// channel (e.g. database/sql's connection wait) are unaffected while the
// controller's own explicit ctx.Err() check still observes the cancellation.
type cancelableCtx struct {
	context.Context
	canceled bool
}

func (c *cancelableCtx) Err() error {
	if c.canceled {
		return context.Canceled
	}
	return c.Context.Err()
}

func TestStartGPU_CancellationDuringStartupTerminatesWithStartupError(t *testing.T) {
	h := newTestHarness(t)
	workerID := h.addWorker(t, model.ProviderColab, "colab-1")

	var terminated model.SessionTerminatedPayload
	gotEvent := false
	h.bus.Subscribe(model.EventSessionTerminated, func(_ string, payload any) {
		terminated = payload.(model.SessionTerminatedPayload)
		gotEvent = true
	})

	cc := &cancelableCtx{Context: context.Background()}
	h.colab.afterStart = func() { cc.canceled = true }

	err := h.controller.StartGPU(cc, workerID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	sess, serr := h.controller.registry.GetLiveForWorker(context.Background(), workerID)
	require.NoError(t, serr)
	assert.Nil(t, sess, "a canceled startup must not leave a live session row")

	require.True(t, gotEvent, "a session-terminated event must be published for the canceled startup")
	assert.Equal(t, model.ShutdownStartupError, terminated.Reason)

	w, werr := h.store.Workers().Get(context.Background(), workerID)
	require.NoError(t, werr)
	assert.Nil(t, w.SessionStartedAt, "ledger session must be rolled back after cancellation")
}

func TestProgressiveDelay_ScalesWithIndexWithinJitterBounds(t *testing.T) {
	d0 := progressiveDelay(0)
	d5 := progressiveDelay(5)
	assert.InDelta(t, 3*time.Second, d0, float64(3*time.Second)*0.31)
	assert.InDelta(t, 8*time.Second, d5, float64(8*time.Second)*0.31)
}
