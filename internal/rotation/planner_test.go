// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rotation

import (
	"testing"
	"time"

	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idRange(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return ids
}

func TestPlan_SelectsThreeGroupStrategyAtSixOrMoreColab(t *testing.T) {
	p := New()
	sched := p.Plan(Inventory{ColabWorkerIDs: idRange(6), KaggleWorkerIDs: idRange(3)}, time.Now())
	assert.Equal(t, "three-group", sched.Strategy)

	var cGroups, kGroups int
	for _, g := range sched.Groups {
		switch g.Provider {
		case model.GroupProviderC:
			cGroups++
		case model.GroupProviderK:
			kGroups++
		}
	}
	assert.Equal(t, 3, cGroups)
	assert.Equal(t, 3, kGroups)
}

func TestPlan_SelectsTwoGroupStrategyBetweenThreeAndFiveColab(t *testing.T) {
	p := New()
	sched := p.Plan(Inventory{ColabWorkerIDs: idRange(4), KaggleWorkerIDs: idRange(2)}, time.Now())
	assert.Equal(t, "two-group", sched.Strategy)

	for _, g := range sched.Groups {
		if g.Provider == model.GroupProviderC {
			assert.Equal(t, 8.4, g.DurationHours)
		}
	}
}

func TestPlan_SelectsMixedStrategyBelowThreeColab(t *testing.T) {
	p := New()
	sched := p.Plan(Inventory{ColabWorkerIDs: idRange(2), KaggleWorkerIDs: idRange(5)}, time.Now())
	assert.Equal(t, "mixed", sched.Strategy)

	require.NotEmpty(t, sched.Groups)
	backbone := sched.Groups[0]
	assert.Equal(t, model.GroupProviderMixed, backbone.Provider)
	assert.Equal(t, []int64{1, 2}, backbone.WorkerIDs)
}

func TestPlan_SelectsKaggleOnlyStrategyWithNoColab(t *testing.T) {
	p := New()
	sched := p.Plan(Inventory{KaggleWorkerIDs: idRange(9)}, time.Now())
	assert.Equal(t, "k-only", sched.Strategy)

	total := 0
	for _, g := range sched.Groups {
		assert.Equal(t, model.GroupProviderK, g.Provider)
		total += len(g.WorkerIDs)
	}
	assert.Equal(t, 9, total)
	assert.LessOrEqual(t, len(sched.Groups), 6)
}

func TestPlan_EmptyInventoryProducesEmptyStrategy(t *testing.T) {
	p := New()
	sched := p.Plan(Inventory{}, time.Now())
	assert.Equal(t, "empty", sched.Strategy)
	assert.Empty(t, sched.Groups)
}

func TestPlan_GroupAssignmentIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	p := New()
	inv := Inventory{ColabWorkerIDs: idRange(7), KaggleWorkerIDs: idRange(4)}

	first := p.Plan(inv, time.Now())
	second := p.Plan(inv, time.Now())

	require.Equal(t, len(first.Groups), len(second.Groups))
	for i := range first.Groups {
		assert.Equal(t, first.Groups[i].WorkerIDs, second.Groups[i].WorkerIDs)
		assert.Equal(t, first.Groups[i].StartOffsetHours, second.Groups[i].StartOffsetHours)
	}
}

func TestPlan_GroupAssignmentIsSortedAndContiguous(t *testing.T) {
	p := New()
	unsorted := []int64{5, 1, 3, 2, 4, 6}
	sched := p.Plan(Inventory{ColabWorkerIDs: unsorted}, time.Now())

	var seen []int64
	for _, g := range sched.Groups {
		if g.Provider == model.GroupProviderC {
			seen = append(seen, g.WorkerIDs...)
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, seen)
}

func TestEstimateCoverage_ReflectsOverlappingWindows(t *testing.T) {
	p := New()
	sched := p.Plan(Inventory{ColabWorkerIDs: idRange(6)}, time.Now())
	assert.GreaterOrEqual(t, sched.Coverage.MaxOnline, sched.Coverage.MinOnline)
	assert.Greater(t, sched.Coverage.AverageOnline, 0.0)
}

func TestWithinWindow_WrapsPastMidnight(t *testing.T) {
	assert.True(t, withinWindow(23, 20, 6))
	assert.True(t, withinWindow(1, 20, 6))
	assert.False(t, withinWindow(10, 20, 6))
}
