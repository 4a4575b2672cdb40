// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for the fleet controller.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Worker attributes
	WorkerIDKey       = "worker.id"
	WorkerProviderKey = "worker.provider"
	WorkerStatusKey   = "worker.status"

	// Session attributes
	SessionIDKey     = "session.id"
	SessionStatusKey = "session.status"

	// Quota attributes
	QuotaProviderKey      = "quota.provider"
	QuotaUsedSecondsKey   = "quota.used_seconds"
	QuotaRemainingPctKey  = "quota.remaining_pct"

	// Rotation attributes
	RotationStrategyKey = "rotation.strategy"
	RotationCCountKey   = "rotation.c_count"
	RotationKCountKey   = "rotation.k_count"

	// Activation attributes
	ActivationReasonKey = "activation.reason"
	ActivationResultKey = "activation.result"

	// Job attributes
	JobTypeKey     = "job.type"
	JobStatusKey   = "job.status"
	JobDurationKey = "job.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// WorkerAttributes creates common worker span attributes.
func WorkerAttributes(workerID, provider, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(WorkerIDKey, workerID),
		attribute.String(WorkerProviderKey, provider),
		attribute.String(WorkerStatusKey, status),
	}
}

// SessionAttributes creates session-related span attributes.
func SessionAttributes(sessionID, status string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(SessionStatusKey, status))
	}
	return attrs
}

// QuotaAttributes creates quota-related span attributes.
func QuotaAttributes(provider string, usedSeconds int64, remainingPct float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(QuotaProviderKey, provider),
		attribute.Int64(QuotaUsedSecondsKey, usedSeconds),
		attribute.Float64(QuotaRemainingPctKey, remainingPct),
	}
}

// RotationAttributes creates rotation-planning span attributes.
func RotationAttributes(strategy string, cCount, kCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RotationStrategyKey, strategy),
		attribute.Int(RotationCCountKey, cCount),
		attribute.Int(RotationKCountKey, kCount),
	}
}

// ActivationAttributes creates on-demand activation span attributes.
func ActivationAttributes(reason, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ActivationReasonKey, reason),
		attribute.String(ActivationResultKey, result),
	}
}

// JobAttributes creates job-related span attributes.
func JobAttributes(jobType, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobTypeKey, jobType),
		attribute.String(JobStatusKey, status),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
