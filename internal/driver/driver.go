// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package driver implements the §4.4 Provider Driver contract: launching
// and tearing down a remote notebook session via browser automation, and
// optionally scraping the provider's own quota view for reconciliation.
//
// Drivers expose no implicit retry; the Lifecycle Controller decides
// retries. Drivers are allowed to fail after the ledger session has
// already been opened — the controller reconciles, not the driver.
package driver

import (
	"context"
	"time"

	"github.com/arvidsson/gpufleet/internal/quota"
	"github.com/arvidsson/gpufleet/internal/vault"
)

// StartConfig carries everything a driver needs to launch a session.
// Exactly one of Kaggle/Colab is populated, matching the worker's family.
type StartConfig struct {
	WorkerID  int64
	AccountID string
	Kaggle    *vault.KaggleCredentials
	Colab     *vault.GoogleCredentials
}

// Driver is the contract every provider-family implementation satisfies.
// Implementations MUST be safe to call concurrently for different
// workers, and MUST NOT be called twice for the same worker while a
// session is live — the Lifecycle Controller holds that invariant, not
// the driver.
type Driver interface {
	StartSession(ctx context.Context, cfg StartConfig) (ok bool, tunnelURL string, err error)
	StopSession(ctx context.Context, workerID int64) (ok bool, err error)
	ScrapeQuota(ctx context.Context, workerID int64) (quota.QuotaSnapshot, error)
}

// notImplementedError (built by errNotImplemented) is returned by
// ScrapeQuota when a driver has no provider-side quota view to offer (the
// call is optional per §4.4).
type notImplementedError struct{ op string }

func (e notImplementedError) Error() string { return "driver: " + e.op + " not implemented" }

func errNotImplemented(op string) error { return notImplementedError{op: op} }

// startTimeout is the driver-specific ceiling for StartSession to publish
// a tunnel URL, per §4.4 ("currently ~180s").
const startTimeout = 180 * time.Second
