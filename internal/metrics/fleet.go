// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpufleet_workers_total",
		Help: "Number of known workers by provider and status",
	}, []string{"provider", "status"})

	sessionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpufleet_sessions_total",
		Help: "Number of live sessions by provider and status",
	}, []string{"provider", "status"})

	sessionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpufleet_session_duration_seconds",
		Help:    "Completed session durations by provider and shutdown reason",
		Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 43200},
	}, []string{"provider", "reason"})

	quotaUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpufleet_quota_utilization_ratio",
		Help: "Fraction of the safe cap consumed, by provider (session cap for C, weekly cap for K)",
	}, []string{"provider", "kind"}) // kind=session|weekly

	quotaCheckDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpufleet_quota_check_duration_seconds",
		Help:    "Time spent evaluating a quota decision",
		Buckets: prometheus.DefBuckets,
	}, []string{"decision"}) // decision=can_start|should_stop|can_accept_job

	rotationSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_rotation_sweeps_total",
		Help: "Total rotation planner invocations by strategy",
	}, []string{"strategy"})

	rotationGroupCoverage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpufleet_rotation_group_coverage_ratio",
		Help: "Estimated average number of workers online across the rotation schedule's 24h cycle",
	}, []string{"provider"})

	alternationSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_alternation_switches_total",
		Help: "Total provider-family alternation switches by resulting provider and trigger",
	}, []string{"provider", "trigger"}) // trigger=started|stopped|override

	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_activations_total",
		Help: "Total on-demand activation attempts by outcome",
	}, []string{"outcome"}) // outcome=reused|woken|failed

	activationLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpufleet_activation_latency_seconds",
		Help:    "Time from activation request to a usable tunnel URL",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})

	driverCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_driver_calls_total",
		Help: "Total provider driver operations by provider, operation, and result",
	}, []string{"provider", "operation", "result"})

	staleSessionsReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_stale_sessions_reaped_total",
		Help: "Total sessions force-terminated by the stale-session reaper, by reason",
	}, []string{"reason"})

	activationsCoalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_activations_coalesced_total",
		Help: "Total Activate calls, split by whether they shared an in-flight result",
	}, []string{"shared"}) // shared=true|false
)

// SetWorkersByStatus replaces the worker gauge for one provider with a full
// status distribution snapshot computed by the caller.
func SetWorkersByStatus(provider string, counts map[string]int) {
	for status, n := range counts {
		workersByStatus.WithLabelValues(provider, status).Set(float64(n))
	}
}

// SetSessionsByStatus replaces the session gauge for one provider.
func SetSessionsByStatus(provider string, counts map[string]int) {
	for status, n := range counts {
		sessionsByStatus.WithLabelValues(provider, status).Set(float64(n))
	}
}

// ObserveSessionDuration records a terminated session's runtime.
func ObserveSessionDuration(provider, reason string, seconds float64) {
	sessionDurationSeconds.WithLabelValues(provider, reason).Observe(seconds)
}

// SetQuotaUtilization records the fraction of a safe cap consumed.
func SetQuotaUtilization(provider, kind string, ratio float64) {
	quotaUtilization.WithLabelValues(provider, kind).Set(ratio)
}

// ObserveQuotaCheck records how long a quota decision took.
func ObserveQuotaCheck(decision string, seconds float64) {
	quotaCheckDurationSeconds.WithLabelValues(decision).Observe(seconds)
}

// IncRotationSweep records one planner invocation.
func IncRotationSweep(strategy string) {
	rotationSweepsTotal.WithLabelValues(strategy).Inc()
}

// SetRotationGroupCoverage records a schedule's estimated average number of
// workers online.
func SetRotationGroupCoverage(provider string, ratio float64) {
	rotationGroupCoverage.WithLabelValues(provider).Set(ratio)
}

// IncAlternationSwitch records a provider-family switch.
func IncAlternationSwitch(provider, trigger string) {
	alternationSwitchesTotal.WithLabelValues(provider, trigger).Inc()
}

// IncActivation records an on-demand activation outcome and its latency.
func IncActivation(outcome string, seconds float64) {
	activationsTotal.WithLabelValues(outcome).Inc()
	activationLatencySeconds.WithLabelValues(outcome).Observe(seconds)
}

// IncDriverCall records one provider driver operation's result.
func IncDriverCall(provider, operation, result string) {
	driverCallsTotal.WithLabelValues(provider, operation, result).Inc()
}

// IncStaleSessionReaped records a reaper-forced termination.
func IncStaleSessionReaped(reason string) {
	staleSessionsReapedTotal.WithLabelValues(reason).Inc()
}

// ObserveActivatorCoalesced records whether an Activate call shared its
// result with an already in-flight call for the same key.
func ObserveActivatorCoalesced(shared bool) {
	activationsCoalescedTotal.WithLabelValues(strconv.FormatBool(shared)).Inc()
}
