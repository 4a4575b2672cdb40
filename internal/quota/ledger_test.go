// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package quota

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "fleet.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s.Workers()), s
}

func mustUpsert(t *testing.T, s *store.Store, w *model.Worker) *model.Worker {
	t.Helper()
	ctx := context.Background()
	id, err := s.Workers().Upsert(ctx, w)
	require.NoError(t, err)
	got, err := s.Workers().Get(ctx, id)
	require.NoError(t, err)
	return got
}

func TestLedger_CanStart_FreshWorkerIsEligible(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-1", Status: model.WorkerOffline, AutoManaged: true})

	ok, reason, err := l.CanStart(ctx, w, time.Now())
	require.NoError(t, err)
	assert.True(t, ok, "reason: %s", reason)
}

func TestLedger_CanStart_RejectsWhileRunning(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-2", Status: model.WorkerOffline, AutoManaged: true})

	now := time.Now()
	require.NoError(t, l.StartSession(ctx, w, now))

	ok, reason, err := l.CanStart(ctx, w, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "already running", reason)
}

func TestLedger_CanStart_RejectsDuringColabCooldown(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-3", Status: model.WorkerOffline, AutoManaged: true})

	start := time.Now()
	require.NoError(t, l.StartSession(ctx, w, start))
	stop := start.Add(time.Hour)
	require.NoError(t, l.StopSession(ctx, w, stop))

	ok, reason, err := l.CanStart(ctx, w, stop.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "in cooldown", reason)

	ok, _, err = l.CanStart(ctx, w, stop.Add(model.ColabCooldown+time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_GetStatus_ShouldStopAtSessionSafeCap(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderKaggle, AccountID: "k-1", Status: model.WorkerOffline, AutoManaged: true})

	start := time.Now()
	require.NoError(t, l.StartSession(ctx, w, start))

	st, err := l.GetStatus(ctx, w, start.Add(model.SessionSafeCap-time.Second))
	require.NoError(t, err)
	assert.False(t, st.ShouldStop)

	st, err = l.GetStatus(ctx, w, start.Add(model.SessionSafeCap))
	require.NoError(t, err)
	assert.True(t, st.ShouldStop)
}

func TestLedger_ShouldStop_IsKaggleOnly(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-4", Status: model.WorkerOffline, AutoManaged: true})

	start := time.Now()
	require.NoError(t, l.StartSession(ctx, w, start))

	stop, err := l.ShouldStop(ctx, w, start.Add(model.SessionSafeCap+time.Hour))
	require.NoError(t, err)
	assert.False(t, stop, "family C must never be signalled for on-demand stop")
}

func TestLedger_CanStart_RejectsKaggleWithLessThanOneHourWeeklyRemaining(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderKaggle, AccountID: "k-2", Status: model.WorkerOffline, AutoManaged: true})

	now := time.Now()
	weekStart := startOfWeek(now)
	require.NoError(t, s.Workers().AnchorWeekStart(ctx, w.ID, weekStart))
	// Leave exactly 59 minutes of weekly remaining.
	used := model.KaggleWeeklySafeCap - 59*time.Minute
	require.NoError(t, s.Workers().ResetWeekly(ctx, w.ID, weekStart))
	_, err := s.DB.ExecContext(ctx, `UPDATE workers SET weekly_usage_seconds = ? WHERE id = ?`, int64(used.Seconds()), w.ID)
	require.NoError(t, err)

	w, err = s.Workers().Get(ctx, w.ID)
	require.NoError(t, err)

	ok, reason, err := l.CanStart(ctx, w, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "insufficient weekly quota remaining", reason)
}

func TestLedger_EnsureWeeklyWindow_ResetsAfterRollover(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderKaggle, AccountID: "k-3", Status: model.WorkerOffline, AutoManaged: true})

	now := time.Now()
	lastWeek := startOfWeek(now).AddDate(0, 0, -7)
	require.NoError(t, s.Workers().ResetWeekly(ctx, w.ID, lastWeek))
	_, err := s.DB.ExecContext(ctx, `UPDATE workers SET weekly_usage_seconds = ? WHERE id = ?`, int64((10 * time.Hour).Seconds()), w.ID)
	require.NoError(t, err)

	w, err = s.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, int64((10 * time.Hour).Seconds()), w.WeeklyUsageSeconds)

	st, err := l.GetStatus(ctx, w, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.WeeklyUsedSeconds, "weekly usage must reset once the window has rolled over")
}

func TestLedger_CanAcceptJob_RejectsOverSeventyPercentOfTrueSessionMax(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-5", Status: model.WorkerOffline, AutoManaged: true})

	start := time.Now()
	require.NoError(t, l.StartSession(ctx, w, start))

	// At 7h runtime (58.3% of the 12h true max), a 60-minute job lands at
	// exactly 66.7% — still within the 70% threshold.
	now := start.Add(7 * time.Hour)
	ok, reason, pct, err := l.CanAcceptJob(ctx, w, 60, now)
	require.NoError(t, err)
	assert.True(t, ok, "reason: %s", reason)
	assert.InDelta(t, 66.67, pct, 0.5)

	// At 8h runtime (66.7%), the same job pushes past 70%.
	now = start.Add(8 * time.Hour)
	ok, reason, pct, err = l.CanAcceptJob(ctx, w, 60, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "job would exceed 70% of session cap", reason)
	assert.Greater(t, pct, 70.0)
}

func TestLedger_CanAcceptJob_ChecksKaggleWeeklyThresholdToo(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderKaggle, AccountID: "k-4", Status: model.WorkerOffline, AutoManaged: true})

	now := time.Now()
	weekStart := startOfWeek(now)
	require.NoError(t, s.Workers().ResetWeekly(ctx, w.ID, weekStart))
	// 21h used out of the 30h true weekly max = 70% already.
	_, err := s.DB.ExecContext(ctx, `UPDATE workers SET weekly_usage_seconds = ? WHERE id = ?`, int64((21 * time.Hour).Seconds()), w.ID)
	require.NoError(t, err)
	w, err = s.Workers().Get(ctx, w.ID)
	require.NoError(t, err)

	ok, reason, pct, err := l.CanAcceptJob(ctx, w, 1, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "job would exceed 70% of weekly cap", reason)
	assert.InDelta(t, 70.06, pct, 0.01, "percentAfterJob must reflect the binding weekly constraint, not the session one")
}

func TestLedger_StartStopSession_FoldsRuntimeIntoWeeklyUsageForKaggle(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderKaggle, AccountID: "k-5", Status: model.WorkerOffline, AutoManaged: true})

	start := time.Now()
	require.NoError(t, l.StartSession(ctx, w, start))
	assert.NotNil(t, w.SessionStartedAt)
	assert.Equal(t, model.WorkerHealthy, w.Status)

	stop := start.Add(2 * time.Hour)
	require.NoError(t, l.StopSession(ctx, w, stop))
	assert.Nil(t, w.SessionStartedAt)
	assert.Equal(t, model.WorkerOffline, w.Status)
	assert.Nil(t, w.CooldownUntil, "family K must not receive a cooldown")

	got, err := s.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64((2 * time.Hour).Seconds()), got.WeeklyUsageSeconds)
}

func TestLedger_StartStopSession_SetsCooldownForColab(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-6", Status: model.WorkerOffline, AutoManaged: true})

	start := time.Now()
	require.NoError(t, l.StartSession(ctx, w, start))
	stop := start.Add(time.Hour)
	require.NoError(t, l.StopSession(ctx, w, stop))

	require.NotNil(t, w.CooldownUntil)
	assert.Equal(t, stop.Add(model.ColabCooldown), *w.CooldownUntil)
}

func TestLedger_UpdateRuntime_IsIdempotentAndSideEffectFree(t *testing.T) {
	l, _ := openTestLedger(t)
	start := time.Now()
	w := &model.Worker{Provider: model.ProviderColab, SessionStartedAt: &start}

	now := start.Add(90 * time.Minute)
	l.UpdateRuntime(w, now)
	assert.Equal(t, int64((90 * time.Minute).Seconds()), w.SessionDurationSeconds)

	l.UpdateRuntime(w, now)
	assert.Equal(t, int64((90 * time.Minute).Seconds()), w.SessionDurationSeconds)
}

func TestLedger_SelectBestGPU_PrefersColabTieBrokenByRemainingSeconds(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	cLowRemaining := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-low", Status: model.WorkerOffline, AutoManaged: true})
	require.NoError(t, l.StartSession(ctx, cLowRemaining, now.Add(-6*time.Hour)))
	cLowRemaining, _ = s.Workers().Get(ctx, cLowRemaining.ID)

	cFresh := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-fresh", Status: model.WorkerOffline, AutoManaged: true})

	kFresh := mustUpsert(t, s, &model.Worker{Provider: model.ProviderKaggle, AccountID: "k-fresh", Status: model.WorkerOffline, AutoManaged: true})

	best, err := l.SelectBestGPU(ctx, []*model.Worker{cLowRemaining, cFresh, kFresh}, now)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, cFresh.ID, best.ID, "the idle-fresh C worker has more remaining session seconds")
}

func TestLedger_SelectBestGPU_FallsBackToKaggleWhenNoColabEligible(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	cRunning := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-running", Status: model.WorkerOffline, AutoManaged: true})
	require.NoError(t, l.StartSession(ctx, cRunning, now))
	cRunning, _ = s.Workers().Get(ctx, cRunning.ID)

	kFresh := mustUpsert(t, s, &model.Worker{Provider: model.ProviderKaggle, AccountID: "k-only", Status: model.WorkerOffline, AutoManaged: true})

	best, err := l.SelectBestGPU(ctx, []*model.Worker{cRunning, kFresh}, now)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, kFresh.ID, best.ID)
}

func TestLedger_SelectBestGPU_RejectsKaggleWithLessThanOneHourRemaining(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	w := mustUpsert(t, s, &model.Worker{Provider: model.ProviderKaggle, AccountID: "k-exhausted", Status: model.WorkerOffline, AutoManaged: true})
	weekStart := startOfWeek(now)
	require.NoError(t, s.Workers().ResetWeekly(ctx, w.ID, weekStart))
	used := model.KaggleWeeklySafeCap - 30*time.Minute
	_, err := s.DB.ExecContext(ctx, `UPDATE workers SET weekly_usage_seconds = ? WHERE id = ?`, int64(used.Seconds()), w.ID)
	require.NoError(t, err)
	w, err = s.Workers().Get(ctx, w.ID)
	require.NoError(t, err)

	best, err := l.SelectBestGPU(ctx, []*model.Worker{w}, now)
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestLedger_GetGPUsToStop_ExcludesColab(t *testing.T) {
	l, s := openTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	c := mustUpsert(t, s, &model.Worker{Provider: model.ProviderColab, AccountID: "c-expired", Status: model.WorkerOffline, AutoManaged: true})
	require.NoError(t, l.StartSession(ctx, c, now.Add(-(model.SessionSafeCap + time.Hour))))
	c, _ = s.Workers().Get(ctx, c.ID)

	k := mustUpsert(t, s, &model.Worker{Provider: model.ProviderKaggle, AccountID: "k-expired", Status: model.WorkerOffline, AutoManaged: true})
	require.NoError(t, l.StartSession(ctx, k, now.Add(-(model.SessionSafeCap + time.Hour))))
	k, _ = s.Workers().Get(ctx, k.ID)

	toStop, err := l.GetGPUsToStop(ctx, []*model.Worker{c, k}, now)
	require.NoError(t, err)
	require.Len(t, toStop, 1)
	assert.Equal(t, k.ID, toStop[0].ID)
}
