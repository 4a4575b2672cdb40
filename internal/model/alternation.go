// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "time"

// MaxAlternationHistory bounds startHistory/stopHistory (spec §3): FIFO
// eviction once full.
const MaxAlternationHistory = 20

// AlternationEvent is one entry in the bounded start/stop history.
type AlternationEvent struct {
	Provider Provider  `json:"provider"`
	At       time.Time `json:"at"`
	Override bool      `json:"override,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// AlternationState is the single durable row tracking provider-family
// alternation.
type AlternationState struct {
	LastStarted *Provider
	LastStopped *Provider

	StartHistory []AlternationEvent
	StopHistory  []AlternationEvent

	UpdatedAt time.Time
}

// AppendHistory pushes an event, evicting the oldest once MaxAlternationHistory
// is exceeded.
func AppendHistory(history []AlternationEvent, ev AlternationEvent) []AlternationEvent {
	history = append(history, ev)
	if len(history) > MaxAlternationHistory {
		history = history[len(history)-MaxAlternationHistory:]
	}
	return history
}
