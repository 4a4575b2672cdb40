// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package quota implements the per-worker quota ledger: session and weekly
// usage accounting against the safe-cap thresholds.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/store"
)

// Status is the Quota Ledger's answer to GetStatus.
type Status struct {
	SessionRuntimeSeconds    int64
	RemainingSessionSeconds  int64
	WeeklyUsedSeconds        int64 // K only
	WeeklyRemainingSeconds   int64 // K only
	UtilizationPercent       float64
	InCooldown               bool // C only
	CooldownRemainingSeconds int64
	CanStart                 bool
	ShouldStop               bool
	Reason                   string
}

// Ledger answers quota questions against durable worker state.
type Ledger struct {
	workers *store.WorkerRepo
}

// New builds a Ledger over the given worker repository.
func New(workers *store.WorkerRepo) *Ledger {
	return &Ledger{workers: workers}
}

// startOfWeek returns the most recent Monday 00:00 UTC at or before t.
func startOfWeek(t time.Time) time.Time {
	t = t.UTC()
	// time.Monday == 1; Sunday == 0. Compute days since Monday.
	offset := (int(t.Weekday()) + 6) % 7
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, -offset)
}

// ensureWeeklyWindow applies the lazy weekly-reset rule (spec §4.1 "Weekly
// reset rule" / §3 Quota Counters): if weekStartedAt precedes the start of
// the current week, reset weeklyUsageSeconds to 0 and advance the anchor.
func (l *Ledger) ensureWeeklyWindow(ctx context.Context, w *model.Worker, now time.Time) error {
	if w.Provider != model.ProviderKaggle {
		return nil
	}
	currentWeekStart := startOfWeek(now)
	if w.WeekStartedAt != nil && !w.WeekStartedAt.Before(currentWeekStart) {
		return nil
	}
	if err := l.workers.ResetWeekly(ctx, w.ID, currentWeekStart); err != nil {
		return err
	}
	w.WeeklyUsageSeconds = 0
	w.WeekStartedAt = &currentWeekStart
	return nil
}

// GetStatus computes the current quota status for a worker, applying the
// lazy weekly reset rule first.
func (l *Ledger) GetStatus(ctx context.Context, w *model.Worker, now time.Time) (Status, error) {
	if err := l.ensureWeeklyWindow(ctx, w, now); err != nil {
		return Status{}, fmt.Errorf("quota: ensure weekly window: %w", err)
	}

	var st Status

	if w.SessionStartedAt != nil {
		runtime := now.Sub(*w.SessionStartedAt)
		if runtime < 0 {
			runtime = 0
		}
		st.SessionRuntimeSeconds = int64(runtime.Seconds())
	}
	remaining := model.SessionSafeCap - time.Duration(st.SessionRuntimeSeconds)*time.Second
	if remaining < 0 {
		remaining = 0
	}
	st.RemainingSessionSeconds = int64(remaining.Seconds())
	st.UtilizationPercent = float64(st.SessionRuntimeSeconds) / model.SessionHardMax.Seconds() * 100

	if w.Provider == model.ProviderColab {
		st.InCooldown = w.InCooldown(now)
		if st.InCooldown {
			st.CooldownRemainingSeconds = int64(w.CooldownUntil.Sub(now).Seconds())
		}
	}

	if w.Provider == model.ProviderKaggle {
		st.WeeklyUsedSeconds = w.WeeklyUsageSeconds
		weeklyRemaining := model.KaggleWeeklySafeCap - time.Duration(w.WeeklyUsageSeconds)*time.Second
		if weeklyRemaining < 0 {
			weeklyRemaining = 0
		}
		st.WeeklyRemainingSeconds = int64(weeklyRemaining.Seconds())
	}

	st.ShouldStop = l.shouldStop(w, st)
	st.CanStart, st.Reason = l.canStart(w, st)

	return st, nil
}

func (l *Ledger) shouldStop(w *model.Worker, st Status) bool {
	if st.SessionRuntimeSeconds >= int64(model.SessionSafeCap.Seconds()) {
		return true
	}
	if w.Provider == model.ProviderKaggle && st.WeeklyUsedSeconds >= int64(model.KaggleWeeklySafeCap.Seconds()) {
		return true
	}
	return false
}

func (l *Ledger) canStart(w *model.Worker, st Status) (bool, string) {
	if st.ShouldStop {
		return false, "session or weekly cap already exhausted"
	}
	if w.SessionStartedAt != nil {
		return false, "already running"
	}
	if st.InCooldown {
		return false, "in cooldown"
	}
	if w.Provider == model.ProviderKaggle && st.WeeklyRemainingSeconds <= int64(time.Hour.Seconds()) {
		return false, "insufficient weekly quota remaining"
	}
	return true, ""
}

// CanStart is the boolean-only view of GetStatus's CanStart field.
func (l *Ledger) CanStart(ctx context.Context, w *model.Worker, now time.Time) (bool, string, error) {
	st, err := l.GetStatus(ctx, w, now)
	if err != nil {
		return false, "", err
	}
	return st.CanStart, st.Reason, nil
}

// ShouldStop is the boolean-only view of GetStatus's ShouldStop field.
// Policy: only family K is signalled for on-demand stop; family C runs its
// full session and is terminated by the session watchdog instead.
func (l *Ledger) ShouldStop(ctx context.Context, w *model.Worker, now time.Time) (bool, error) {
	st, err := l.GetStatus(ctx, w, now)
	if err != nil {
		return false, err
	}
	return w.Provider == model.ProviderKaggle && st.ShouldStop, nil
}

// CanAcceptJob reports whether a job of estimatedMinutes can be accepted
// without crossing 70% of the true provider maximum, for both the session
// window and (for K) the weekly window.
func (l *Ledger) CanAcceptJob(ctx context.Context, w *model.Worker, estimatedMinutes int, now time.Time) (ok bool, reason string, percentAfterJob float64, err error) {
	st, gerr := l.GetStatus(ctx, w, now)
	if gerr != nil {
		return false, "", 0, gerr
	}

	estimatedSeconds := int64(estimatedMinutes) * 60
	sessionAfter := st.SessionRuntimeSeconds + estimatedSeconds
	percentAfterJob = float64(sessionAfter) / model.SessionHardMax.Seconds() * 100
	if percentAfterJob > 70 {
		return false, "job would exceed 70% of session cap", percentAfterJob, nil
	}

	if w.Provider == model.ProviderKaggle {
		weeklyAfter := st.WeeklyUsedSeconds + estimatedSeconds
		weeklyPercentAfterJob := float64(weeklyAfter) / model.KaggleWeeklyHardMax.Seconds() * 100
		if weeklyPercentAfterJob > 70 {
			return false, "job would exceed 70% of weekly cap", weeklyPercentAfterJob, nil
		}
	}

	return true, "", percentAfterJob, nil
}

// StartSession records the ledger-side effects of starting a session.
func (l *Ledger) StartSession(ctx context.Context, w *model.Worker, now time.Time) error {
	if w.Provider == model.ProviderKaggle {
		currentWeekStart := startOfWeek(now)
		if err := l.workers.AnchorWeekStart(ctx, w.ID, currentWeekStart); err != nil {
			return err
		}
	}
	if err := l.workers.StartSession(ctx, w.ID, now, model.SessionSafeCap); err != nil {
		return err
	}
	w.SessionStartedAt = &now
	w.MaxSessionDurationSeconds = int64(model.SessionSafeCap.Seconds())
	w.Status = model.WorkerHealthy
	return nil
}

// StopSession records the ledger-side effects of stopping a session:
// folding final runtime into weeklyUsageSeconds for K, and setting
// cooldownUntil for C.
func (l *Ledger) StopSession(ctx context.Context, w *model.Worker, now time.Time) error {
	if err := l.workers.StopSession(ctx, w, now); err != nil {
		return err
	}
	w.SessionStartedAt = nil
	w.Status = model.WorkerOffline
	if w.Provider == model.ProviderColab {
		cooldownUntil := now.Add(model.ColabCooldown)
		w.CooldownUntil = &cooldownUntil
	}
	return nil
}

// UpdateRuntime is an idempotent refresh of the worker's cached runtime
// counter, safe to call from any loop without side effects beyond the
// counter itself.
func (l *Ledger) UpdateRuntime(w *model.Worker, now time.Time) {
	if w.SessionStartedAt == nil {
		w.SessionDurationSeconds = 0
		return
	}
	runtime := now.Sub(*w.SessionStartedAt)
	if runtime < 0 {
		runtime = 0
	}
	w.SessionDurationSeconds = int64(runtime.Seconds())
}

// SelectBestGPU prefers any C worker that can start (tie-break: largest
// remaining session seconds), else the K worker with the largest weekly
// remaining seconds (rejecting any K with less than 1h weekly remaining).
func (l *Ledger) SelectBestGPU(ctx context.Context, workers []*model.Worker, now time.Time) (*model.Worker, error) {
	var bestC *model.Worker
	var bestCRemaining int64 = -1

	var bestK *model.Worker
	var bestKWeekly int64 = -1

	for _, w := range workers {
		st, err := l.GetStatus(ctx, w, now)
		if err != nil {
			return nil, err
		}
		if !st.CanStart {
			continue
		}
		switch w.Provider {
		case model.ProviderColab:
			if st.RemainingSessionSeconds > bestCRemaining {
				bestC, bestCRemaining = w, st.RemainingSessionSeconds
			}
		case model.ProviderKaggle:
			if st.WeeklyRemainingSeconds <= int64(time.Hour.Seconds()) {
				continue
			}
			if st.WeeklyRemainingSeconds > bestKWeekly {
				bestK, bestKWeekly = w, st.WeeklyRemainingSeconds
			}
		}
	}

	if bestC != nil {
		return bestC, nil
	}
	return bestK, nil
}

// GetGPUsToStop returns the K workers (family C is policy-excluded) whose
// ShouldStop signal is active.
func (l *Ledger) GetGPUsToStop(ctx context.Context, workers []*model.Worker, now time.Time) ([]*model.Worker, error) {
	var out []*model.Worker
	for _, w := range workers {
		if w.Provider != model.ProviderKaggle {
			continue
		}
		stop, err := l.ShouldStop(ctx, w, now)
		if err != nil {
			return nil, err
		}
		if stop {
			out = append(out, w)
		}
	}
	return out, nil
}
