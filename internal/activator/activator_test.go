// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package activator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStarter is a Starter double that flips a worker to a running,
// tunnel-bearing state without touching the ledger or alternation gate,
// since Activator only depends on the Starter interface, not the full
// Lifecycle Controller.
type fakeStarter struct {
	workers   *store.WorkerRepo
	mu        sync.Mutex
	startErr  error
	startCalls int32
	delay     time.Duration
}

func (f *fakeStarter) StartGPU(ctx context.Context, workerID int64) error {
	atomic.AddInt32(&f.startCalls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if err := f.workers.UpdateStatus(ctx, workerID, model.WorkerHealthy); err != nil {
		return err
	}
	if err := f.workers.UpdateTunnelURL(ctx, workerID, "https://tunnel.example/started"); err != nil {
		return err
	}
	return f.workers.StartSession(ctx, workerID, time.Now(), model.SessionSafeCap)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var testWorkerSeq int64

func addWorker(t *testing.T, s *store.Store, status model.WorkerStatus, tunnelURL string) int64 {
	t.Helper()
	testWorkerSeq++
	w := &model.Worker{
		Provider:  model.ProviderColab,
		AccountID: fmt.Sprintf("acct-%d", testWorkerSeq),
		Status:    status, TunnelURL: tunnelURL, AutoManaged: true,
	}
	id, err := s.Workers().Upsert(context.Background(), w)
	require.NoError(t, err)
	return id
}

func TestActivate_PrefersReuseOverStartingAnything(t *testing.T) {
	s := openTestStore(t)
	addWorker(t, s, model.WorkerHealthy, "https://tunnel.example/live")
	addWorker(t, s, model.WorkerOffline, "")

	starter := &fakeStarter{workers: s.Workers()}
	a := New(Config{Workers: s.Workers(), Starter: starter})

	w, err := a.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://tunnel.example/live", w.TunnelURL)
	assert.Equal(t, int32(0), starter.startCalls, "reuse must never trigger a start")
}

func TestActivate_WakesFirstOfflineWorkerWhenNoneReusable(t *testing.T) {
	s := openTestStore(t)
	offlineID := addWorker(t, s, model.WorkerOffline, "")

	starter := &fakeStarter{workers: s.Workers()}
	a := New(Config{Workers: s.Workers(), Starter: starter})

	w, err := a.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, offlineID, w.ID)
	assert.Equal(t, "https://tunnel.example/started", w.TunnelURL)
}

func TestActivate_FailsWithNoCapacityWhenFleetIsEmpty(t *testing.T) {
	s := openTestStore(t)
	starter := &fakeStarter{workers: s.Workers()}
	a := New(Config{Workers: s.Workers(), Starter: starter})

	_, err := a.Activate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCapacity))
}

func TestActivate_SkipsOfflineWorkerWhoseStartFailsAndTriesNext(t *testing.T) {
	s := openTestStore(t)
	addWorker(t, s, model.WorkerOffline, "")
	secondID := addWorker(t, s, model.WorkerOffline, "")

	calls := int32(0)
	starter := &failThenSucceedStarter{workers: s.Workers(), failFirst: true, calls: &calls}
	a := New(Config{Workers: s.Workers(), Starter: starter})

	w, err := a.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, secondID, w.ID)
}

// failThenSucceedStarter fails the first StartGPU call and succeeds
// afterward, so the activator's fallthrough across offline candidates is
// exercised deterministically.
type failThenSucceedStarter struct {
	workers   *store.WorkerRepo
	failFirst bool
	calls     *int32
}

func (f *failThenSucceedStarter) StartGPU(ctx context.Context, workerID int64) error {
	n := atomic.AddInt32(f.calls, 1)
	if n == 1 && f.failFirst {
		return errors.New("simulated driver refusal")
	}
	if err := f.workers.UpdateStatus(ctx, workerID, model.WorkerHealthy); err != nil {
		return err
	}
	if err := f.workers.UpdateTunnelURL(ctx, workerID, "https://tunnel.example/started"); err != nil {
		return err
	}
	return f.workers.StartSession(ctx, workerID, time.Now(), model.SessionSafeCap)
}

func TestActivate_ConcurrentCallsShareOneInFlightStart(t *testing.T) {
	s := openTestStore(t)
	addWorker(t, s, model.WorkerOffline, "")

	starter := &fakeStarter{workers: s.Workers(), delay: 50 * time.Millisecond}
	a := New(Config{Workers: s.Workers(), Starter: starter})

	var wg sync.WaitGroup
	results := make([]*model.Worker, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Activate(context.Background())
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.NotNil(t, results[i])
	}
	assert.Equal(t, int32(1), starter.startCalls, "five concurrent Activate calls must coalesce into a single StartGPU")
}

func TestActivateWorker_ReusesSpecificWorkerWithoutStarting(t *testing.T) {
	s := openTestStore(t)
	workerID := addWorker(t, s, model.WorkerHealthy, "https://tunnel.example/live")
	require.NoError(t, s.Workers().StartSession(context.Background(), workerID, time.Now(), model.SessionSafeCap))

	starter := &fakeStarter{workers: s.Workers()}
	a := New(Config{Workers: s.Workers(), Starter: starter})

	w, err := a.ActivateWorker(context.Background(), workerID)
	require.NoError(t, err)
	assert.Equal(t, workerID, w.ID)
	assert.Equal(t, int32(0), starter.startCalls)
}

func TestActivateWorker_StartsOfflineSpecificWorker(t *testing.T) {
	s := openTestStore(t)
	workerID := addWorker(t, s, model.WorkerOffline, "")

	starter := &fakeStarter{workers: s.Workers()}
	a := New(Config{Workers: s.Workers(), Starter: starter})

	w, err := a.ActivateWorker(context.Background(), workerID)
	require.NoError(t, err)
	assert.Equal(t, workerID, w.ID)
	assert.Equal(t, int32(1), starter.startCalls)
}
