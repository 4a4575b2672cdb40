// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package rotation implements the Rotation Planner: a pure function of
// the current worker inventory that produces a Schedule of Groups with
// start offsets and durations, following a family-count-dependent
// strategy (spec §4.6). The resulting Schedule is always reconstructible
// from inventory and is never itself the source of truth.
package rotation

import (
	"sort"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
)

// Inventory is the minimal input the Planner needs: sorted-stable sets
// of worker ids per family. Callers build this from store.WorkerRepo.
type Inventory struct {
	ColabWorkerIDs  []int64
	KaggleWorkerIDs []int64
}

// Planner computes rotation Schedules.
type Planner struct{}

// New builds a Planner. It carries no state; every call to Plan is a
// pure function of its input.
func New() *Planner { return &Planner{} }

// Plan selects a strategy from (cCount, kCount) and produces a Schedule
// with deterministic, stable group membership (spec §4.6). now is
// stamped onto the returned Schedule's GeneratedAt and otherwise has no
// bearing on the computed groups — two calls with the same inventory
// always produce the same groups and strategy.
func (p *Planner) Plan(inv Inventory, now time.Time) model.Schedule {
	c := sortedCopy(inv.ColabWorkerIDs)
	k := sortedCopy(inv.KaggleWorkerIDs)
	cCount, kCount := len(c), len(k)

	var groups []model.Group
	var strategy string

	switch {
	case cCount >= 6:
		strategy = "three-group"
		groups = append(groups, sliceGroups(c, 3, "c", model.GroupProviderC, 8.4, []float64{0, 4, 8})...)
		groups = append(groups, sliceGroups(k, 3, "k", model.GroupProviderK, 4, []float64{2, 10, 18})...)
	case cCount >= 3:
		strategy = "two-group"
		groups = append(groups, sliceGroups(c, 2, "c", model.GroupProviderC, 8.4, []float64{0, 6})...)
		groups = append(groups, sliceGroups(k, 2, "k", model.GroupProviderK, 4, []float64{3, 15})...)
	case cCount >= 1:
		strategy = "mixed"
		groups = append(groups, model.Group{
			GroupID: "c-backbone", WorkerIDs: c, Provider: model.GroupProviderMixed,
			DurationHours: 8.4, StartOffsetHours: 0,
		})
		groups = append(groups, sliceGroups(k, 3, "k", model.GroupProviderK, 4, []float64{2, 10, 18})...)
	case kCount > 0:
		strategy = "k-only"
		groups = append(groups, sliceGroups(k, 6, "k", model.GroupProviderK, 4, []float64{0, 4, 8, 12, 16, 20})...)
	default:
		strategy = "empty"
	}

	return model.Schedule{
		Groups:      groups,
		Strategy:    strategy,
		GeneratedAt: now,
		Coverage:    estimateCoverage(groups),
	}
}

func sortedCopy(ids []int64) []int64 {
	out := make([]int64, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sliceGroups divides ids into up to maxGroups deterministic contiguous
// slices (stable across replans for the same inventory) and pairs each
// non-empty slice with the next unused offset from offsets, in order.
// Empty groups (fewer workers than offsets) are omitted.
func sliceGroups(ids []int64, maxGroups int, prefix string, provider model.GroupProvider, durationHours float64, offsets []float64) []model.Group {
	if len(ids) == 0 {
		return nil
	}
	n := maxGroups
	if len(ids) < n {
		n = len(ids)
	}
	if n > len(offsets) {
		n = len(offsets)
	}

	base := len(ids) / n
	rem := len(ids) % n

	groups := make([]model.Group, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		slice := ids[start : start+size]
		start += size
		groups = append(groups, model.Group{
			GroupID:          groupID(prefix, i),
			WorkerIDs:        slice,
			Provider:         provider,
			DurationHours:    durationHours,
			StartOffsetHours: offsets[i],
		})
	}
	return groups
}

func groupID(prefix string, index int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	suffix := "0"
	if index < len(letters) {
		suffix = string(letters[index])
	}
	return prefix + "-" + suffix
}

// estimateCoverage samples group on/off windows across a 24h cycle at
// quarter-hour resolution and reports the min/max/average worker count online
// at any sampled instant.
func estimateCoverage(groups []model.Group) model.Coverage {
	if len(groups) == 0 {
		return model.Coverage{}
	}

	const samplesPerCycle = 24 * 4 // quarter-hour resolution
	var minOnline = -1
	var maxOnline int
	var total int

	for sample := 0; sample < samplesPerCycle; sample++ {
		t := float64(sample) / 4.0
		online := 0
		for _, g := range groups {
			if withinWindow(t, g.StartOffsetHours, g.DurationHours) {
				online += len(g.WorkerIDs)
			}
		}
		if minOnline == -1 || online < minOnline {
			minOnline = online
		}
		if online > maxOnline {
			maxOnline = online
		}
		total += online
	}
	if minOnline == -1 {
		minOnline = 0
	}

	return model.Coverage{
		MinOnline:     minOnline,
		MaxOnline:     maxOnline,
		AverageOnline: float64(total) / float64(samplesPerCycle),
	}
}

// withinWindow reports whether hour t (in [0,24)) falls within a window
// that starts at offset and lasts duration hours, wrapping past midnight.
func withinWindow(t, offset, duration float64) bool {
	end := offset + duration
	if end <= 24 {
		return t >= offset && t < end
	}
	return t >= offset || t < end-24
}
