// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

// OutcomeKind is a closed vocabulary of normal (non-panic) failure
// categories surfaced to callers as structured values (spec §7).
type OutcomeKind string

const (
	OutcomeConfiguration    OutcomeKind = "configuration"
	OutcomeTransient        OutcomeKind = "transient"
	OutcomeQuotaDenied      OutcomeKind = "quota_denied"
	OutcomeAlternationDenied OutcomeKind = "alternation_denied"
	OutcomeConflict         OutcomeKind = "conflict"
	OutcomeInvariant        OutcomeKind = "invariant"
)

// Outcome is the structured failure object the lifecycle/activation paths
// return instead of raw errors for expected, recoverable denials.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	Reason   string      `json:"reason"`
	WorkerID *int64      `json:"workerId,omitempty"`
	Provider *Provider   `json:"provider,omitempty"`
}

func (o *Outcome) Error() string {
	return string(o.Kind) + ": " + o.Reason
}

// NewOutcome builds an Outcome, leaving WorkerID/Provider unset.
func NewOutcome(kind OutcomeKind, reason string) *Outcome {
	return &Outcome{Kind: kind, Reason: reason}
}

// WithWorker attaches a worker id to the outcome and returns it for chaining.
func (o *Outcome) WithWorker(id int64) *Outcome {
	o.WorkerID = &id
	return o
}

// WithProvider attaches a provider to the outcome and returns it for chaining.
func (o *Outcome) WithProvider(p Provider) *Outcome {
	o.Provider = &p
	return o
}
