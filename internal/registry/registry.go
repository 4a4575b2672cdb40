// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package registry implements the Session Registry: the thin layer over
// store.SessionRepo that adds startup reconciliation (spec §4.5) on top
// of the partial-uniqueness-enforced CRUD the store already provides.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/store"
)

// staleStartingAge is how long a `starting` row may live before
// reconciliation gives up on it (spec §4.5 pass 1).
const staleStartingAge = 10 * time.Minute

// Registry is the Session Registry.
type Registry struct {
	sessions *store.SessionRepo
}

// New builds a Registry over the given session repository.
func New(sessions *store.SessionRepo) *Registry {
	return &Registry{sessions: sessions}
}

// Insert creates a new `starting` session row. ErrAlreadyActive bubbles
// straight up from store.ErrAlreadyActive so callers can treat a
// partial-uniqueness conflict as "already active" per spec §4.7 step 7.
func (r *Registry) Insert(ctx context.Context, sess *model.Session) (int64, error) {
	return r.sessions.InsertStarting(ctx, sess)
}

// Activate transitions a session from starting to active, attaching its
// tunnel URL, guarded by a CAS predicate (spec §4.7 step 8).
func (r *Registry) Activate(ctx context.Context, id int64, tunnelURL string) (bool, error) {
	return r.sessions.ActivateFromStarting(ctx, id, tunnelURL)
}

// MarkIdle transitions an active session to idle.
func (r *Registry) MarkIdle(ctx context.Context, id int64) (bool, error) {
	return r.sessions.MarkIdle(ctx, id)
}

// Terminate absorbingly transitions a session to terminated.
func (r *Registry) Terminate(ctx context.Context, id int64, reason model.ShutdownReason, at time.Time) error {
	return r.sessions.Terminate(ctx, id, reason, at)
}

// GetLiveForWorker returns the worker's current live session, if any.
func (r *Registry) GetLiveForWorker(ctx context.Context, workerID int64) (*model.Session, error) {
	return r.sessions.GetLiveForWorker(ctx, workerID)
}

// ReconciliationReport summarizes what happened during Reconcile, so the
// caller (typically the daemon's startup sequence) can log a coherent
// summary instead of one line per row.
type ReconciliationReport struct {
	StaleStartingTerminated int
	ExpiredLiveTerminated   int
	Adopted                 []*model.Session
}

// Reconcile runs the three-pass startup reconciliation sequence (spec
// §4.5): stale `starting` rows are abandoned, expired live rows are
// closed out, and whatever remains live is reported back as "adopted" —
// these sessions have no in-process driver handle and will be picked up
// by the idle watcher or session watchdog on their next cycle.
func (r *Registry) Reconcile(ctx context.Context, now time.Time) (ReconciliationReport, error) {
	logger := log.WithComponent("registry")
	var report ReconciliationReport

	stale, err := r.sessions.ListStaleStarting(ctx, now.Add(-staleStartingAge))
	if err != nil {
		return report, fmt.Errorf("registry: list stale starting sessions: %w", err)
	}
	for _, s := range stale {
		if err := r.sessions.Terminate(ctx, s.ID, model.ShutdownStartupTimeout, now); err != nil {
			logger.Error().Err(err).Int64("sessionId", s.ID).Msg("failed to terminate stale starting session")
			continue
		}
		report.StaleStartingTerminated++
	}

	expired, err := r.sessions.ListExpiredLive(ctx, now)
	if err != nil {
		return report, fmt.Errorf("registry: list expired live sessions: %w", err)
	}
	for _, s := range expired {
		if err := r.sessions.Terminate(ctx, s.ID, model.ShutdownQuotaExpired, now); err != nil {
			logger.Error().Err(err).Int64("sessionId", s.ID).Msg("failed to terminate expired session")
			continue
		}
		report.ExpiredLiveTerminated++
	}

	adopted, err := r.sessions.ListAdoptedLive(ctx)
	if err != nil {
		return report, fmt.Errorf("registry: list adopted sessions: %w", err)
	}
	report.Adopted = adopted

	logger.Info().
		Str(log.FieldEvent, "registry.reconciled").
		Int("staleStartingTerminated", report.StaleStartingTerminated).
		Int("expiredLiveTerminated", report.ExpiredLiveTerminated).
		Int("adopted", len(report.Adopted)).
		Msg("startup reconciliation complete")

	return report, nil
}
