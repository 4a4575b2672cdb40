// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package alternation implements the Alternation Gate: the durable
// single-row record of which provider family started/stopped last, and
// the rule that keeps the fleet oscillating between them.
package alternation

import (
	"context"
	"time"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/metrics"
	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/store"
)

// Gate answers nextProvider/canStart against the durable alternation
// state and records every start/stop against it.
type Gate struct {
	repo *store.AlternationRepo
}

// New builds a Gate over the given alternation repository. Callers must
// call EnsureSeeded once at boot before using the gate.
func New(repo *store.AlternationRepo) *Gate {
	return &Gate{repo: repo}
}

// EnsureSeeded performs the atomic upsert that seeds the single state row
// on first boot, safe to call from every process on every boot.
func (g *Gate) EnsureSeeded(ctx context.Context) error {
	return g.repo.EnsureSeeded(ctx)
}

// NextProvider returns the opposite family of the last family stopped.
// With no history at all, the initial family is C.
func (g *Gate) NextProvider(ctx context.Context) (model.Provider, error) {
	st, err := g.repo.Get(ctx)
	if err != nil {
		return "", err
	}
	if st.LastStopped == nil {
		return model.ProviderColab, nil
	}
	return st.LastStopped.Opposite(), nil
}

// CanStart reports whether provider p is allowed to start under the
// alternation rule: p must equal NextProvider.
func (g *Gate) CanStart(ctx context.Context, p model.Provider) (bool, error) {
	next, err := g.repo.Get(ctx)
	if err != nil {
		return false, err
	}
	var expected model.Provider
	if next.LastStopped == nil {
		expected = model.ProviderColab
	} else {
		expected = next.LastStopped.Opposite()
	}
	return p == expected, nil
}

// RecordProviderStarted records a successful start against the gate.
func (g *Gate) RecordProviderStarted(ctx context.Context, p model.Provider, at time.Time) error {
	metrics.IncAlternationSwitch(string(p), "started")
	return g.repo.RecordStarted(ctx, p, at, false, "")
}

// RecordProviderStopped records a stop against the gate, advancing
// NextProvider to the opposite family.
func (g *Gate) RecordProviderStopped(ctx context.Context, p model.Provider, at time.Time) error {
	metrics.IncAlternationSwitch(string(p), "stopped")
	return g.repo.RecordStopped(ctx, p, at)
}

// OverrideFallback records a start that violates the alternation rule
// because the preferred family's pool is exhausted (spec §4.7(c) dual
// exhaustion handling). The override is logged and counted so the
// deviation is auditable after the fact.
func (g *Gate) OverrideFallback(ctx context.Context, p model.Provider, reason string, at time.Time) error {
	log.WithComponent("alternation").Warn().
		Str(log.FieldEvent, "alternation.override").
		Str("provider", string(p)).
		Str(log.FieldShutdownReason, reason).
		Msg("overriding alternation rule to avoid dual exhaustion")
	metrics.IncAlternationSwitch(string(p), "override")
	return g.repo.RecordStarted(ctx, p, at, true, reason)
}
