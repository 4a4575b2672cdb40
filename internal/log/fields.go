// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging, kept consistent
// across the Lifecycle Controller, Provider Drivers, and On-Demand
// Activator so a log aggregator can key on one name regardless of which
// component emitted the line.
const (
	// Identity fields
	FieldWorkerID      = "workerId"
	FieldSessionID     = "sessionId"
	FieldAccountID     = "accountId"
	FieldCorrelationID = "correlation_id"
	FieldJobID         = "job_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Provider / session fields
	FieldProvider       = "provider"
	FieldShutdownReason = "reason"
	FieldTunnelURL      = "tunnelUrl"
	FieldPath           = "path"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
