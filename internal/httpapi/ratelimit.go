// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package httpapi holds the small set of HTTP middleware the daemon's
// chi router applies to its write surface.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// activationRequestLimit and activationWindow bound how often a single
// caller may hit the activation endpoints: each request can trigger a
// real browser-automation driver call, so unlike the read-only
// healthz/readyz/metrics surface, this one needs protection from being
// hammered into tripping every provider circuit breaker at once.
const (
	activationRequestLimit = 12
	activationWindow       = time.Minute
)

// ActivationRateLimit rate-limits POST /v1/activate and
// /v1/activate/{workerId} per source IP, sliding-window, via httprate —
// the same library and 429-with-Retry-After response shape the teacher
// uses for its own API surface.
func ActivationRateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		activationRequestLimit,
		activationWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","detail":"too many activation requests, try again later"}`))
		}),
	)
}
