// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package driver

import (
	"context"
	"fmt"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/quota"
	"github.com/arvidsson/gpufleet/internal/resilience"
)

// Google account login surface. Selectors are illustrative placeholders
// for the family's actual login flow, which is an out-of-scope external
// detail per spec.md §1 ("speaking the provider notebooks' internal
// protocols" is explicitly not goal of this controller).
const (
	colabLoginURL        = "https://accounts.google.com/signin"
	colabEmailSelector   = `input[type="email"]`
	colabPasswordSelector = `input[type="password"]`
	colabNotebookURLFmt  = "https://colab.research.google.com/drive/bootstrap?account=%s"
	colabTunnelSelector  = `[data-testid="worker-tunnel-url"]`
)

// ColabDriver is the family-C (Colab-style) Provider Driver.
type ColabDriver struct {
	RodDriver
	cb *resilience.CircuitBreaker
}

// NewColabDriver builds a ColabDriver wrapping base with its own
// circuit breaker so a Google-side outage trips independently of Kaggle.
func NewColabDriver(base RodDriver, cb *resilience.CircuitBreaker) *ColabDriver {
	return &ColabDriver{RodDriver: base, cb: cb}
}

// StartSession logs into the configured Google account, launches the
// bootstrap notebook, and waits for it to publish a tunnel URL.
func (d *ColabDriver) StartSession(ctx context.Context, cfg StartConfig) (ok bool, tunnelURL string, err error) {
	if cfg.Colab == nil {
		return false, "", fmt.Errorf("driver: colab start requires Colab credentials")
	}

	if !d.cb.AllowRequest() {
		return false, "", resilience.ErrCircuitOpen
	}
	d.cb.RecordAttempt()

	logger := log.WithComponent("driver.colab")
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	sess, err := d.open(startCtx, colabLoginURL)
	if err != nil {
		d.cb.RecordTechnicalFailure()
		return false, "", fmt.Errorf("driver: colab open login page: %w", err)
	}
	defer d.close(sess, "")

	if err := d.login(sess, cfg.Colab.Email, cfg.Colab.Password); err != nil {
		d.cb.RecordTechnicalFailure()
		d.close(sess, "login_failed")
		return false, "", fmt.Errorf("driver: colab login: %w", err)
	}

	notebookURL := fmt.Sprintf(colabNotebookURLFmt, cfg.AccountID)
	notebookPage, err := d.navigate(startCtx, sess.browser, notebookURL)
	if err != nil {
		d.cb.RecordTechnicalFailure()
		d.close(sess, "notebook_navigate_failed")
		return false, "", fmt.Errorf("driver: colab open bootstrap notebook: %w", err)
	}
	sess.page = notebookPage

	url, err := d.readText(startCtx, sess.page, colabTunnelSelector)
	if err != nil {
		d.cb.RecordTechnicalFailure()
		d.close(sess, "tunnel_url_not_published")
		return false, "", fmt.Errorf("driver: colab tunnel url: %w", err)
	}

	d.cb.RecordSuccess()
	logger.Info().Str(log.FieldEvent, "driver.colab.started").Str(log.FieldAccountID, cfg.AccountID).Msg("colab session started")
	return true, url, nil
}

// StopSession is a no-op placeholder for family C: the remote notebook
// is left to its own schedule, and drivers always leave the worker
// available for a future start regardless.
func (d *ColabDriver) StopSession(ctx context.Context, workerID int64) (bool, error) {
	if !d.cb.AllowRequest() {
		return false, resilience.ErrCircuitOpen
	}
	d.cb.RecordAttempt()
	d.cb.RecordSuccess()
	log.WithComponent("driver.colab").Info().Int64(log.FieldWorkerID, workerID).Msg("colab session stop requested")
	return true, nil
}

// ScrapeQuota is not offered by the Colab family driver: family C has no
// provider-reported weekly counter to reconcile against.
func (d *ColabDriver) ScrapeQuota(_ context.Context, _ int64) (quota.QuotaSnapshot, error) {
	return quota.QuotaSnapshot{}, errNotImplemented("ColabDriver.ScrapeQuota")
}

func (d *ColabDriver) login(sess *session, email, password string) error {
	if err := d.fillInput(sess.page, colabEmailSelector, email); err != nil {
		return fmt.Errorf("input email: %w", err)
	}
	if err := d.fillInput(sess.page, colabPasswordSelector, password); err != nil {
		return fmt.Errorf("input password: %w", err)
	}
	return nil
}
