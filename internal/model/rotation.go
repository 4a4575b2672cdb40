// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "time"

// GroupProvider is the provider tag on a rotation Group; "mixed" covers the
// single-C-backbone strategy where C and K share a cycle.
type GroupProvider string

const (
	GroupProviderC     GroupProvider = "C"
	GroupProviderK     GroupProvider = "K"
	GroupProviderMixed GroupProvider = "mixed"
)

// Group is a set of workers started together at a fixed offset within a
// 24-hour cycle.
type Group struct {
	GroupID         string
	WorkerIDs       []int64
	Provider        GroupProvider
	DurationHours   float64
	StartOffsetHours float64
}

// Coverage summarizes overlapping group windows across a 24h cycle.
type Coverage struct {
	MinOnline     int
	MaxOnline     int
	AverageOnline float64
}

// Schedule is the Rotation Planner's output: reconstructible from worker
// inventory, never persisted as the source of truth.
type Schedule struct {
	Groups      []Group
	Strategy    string
	GeneratedAt time.Time
	Coverage    Coverage
}
