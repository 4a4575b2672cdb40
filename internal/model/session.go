// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "time"

// SessionStatus is the session state machine's current value.
type SessionStatus string

const (
	SessionStarting   SessionStatus = "starting"
	SessionActive     SessionStatus = "active"
	SessionIdle       SessionStatus = "idle"
	SessionTerminated SessionStatus = "terminated"
)

// LiveSessionStatuses are the statuses subject to the partial uniqueness
// constraint (spec §4.5/§6): at most one per worker.
var LiveSessionStatuses = []SessionStatus{SessionStarting, SessionActive, SessionIdle}

// ShutdownReason is a closed vocabulary of why a session was terminated.
type ShutdownReason string

const (
	ShutdownManualStop        ShutdownReason = "manual_stop"
	ShutdownSessionLimit      ShutdownReason = "session_limit"
	ShutdownWeeklyQuota       ShutdownReason = "weekly_quota"
	ShutdownQuotaExpired      ShutdownReason = "quota_expired"
	ShutdownStartupTimeout    ShutdownReason = "startup_timeout"
	ShutdownIdleTimeout       ShutdownReason = "idle_timeout"
	ShutdownStartupError      ShutdownReason = "startup_error"
	ShutdownQuotaServiceError ShutdownReason = "quota_service_error"
	ShutdownProviderError     ShutdownReason = "provider_error"
)

// Session is a single continuous run of a worker bounded by the safe
// session cap.
type Session struct {
	ID            int64
	WorkerID      int64
	SessionID     string
	Provider      Provider
	Status        SessionStatus
	StartedAt     time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
	TerminatedAt  *time.Time
	DurationSeconds int64
	ShutdownReason  *ShutdownReason
	TunnelURL       *string
}

// IsLive reports whether the session occupies the partial-uniqueness slot.
func (s *Session) IsLive() bool {
	switch s.Status {
	case SessionStarting, SessionActive, SessionIdle:
		return true
	default:
		return false
	}
}
