// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/arvidsson/gpufleet/internal/quota"
	"github.com/arvidsson/gpufleet/internal/resilience"
)

// Kaggle account login surface. Selectors are illustrative placeholders
// for the family's actual login flow; the real flow is an out-of-scope
// external detail per spec.md §1.
const (
	kaggleLoginURL         = "https://www.kaggle.com/account/login"
	kaggleUsernameSelector = `input[name="username"]`
	kaggleKeySelector      = `input[name="key"]`
	kaggleNotebookURLFmt   = "https://www.kaggle.com/kernels/bootstrap?account=%s"
	kaggleTunnelSelector   = `[data-testid="worker-tunnel-url"]`
	kaggleQuotaSelector    = `[data-testid="gpu-quota-remaining"]`
)

// KaggleDriver is the family-K (Kaggle-style) Provider Driver.
type KaggleDriver struct {
	RodDriver
	cb *resilience.CircuitBreaker
}

// NewKaggleDriver builds a KaggleDriver wrapping base with its own
// circuit breaker so a Kaggle-side outage trips independently of Colab.
func NewKaggleDriver(base RodDriver, cb *resilience.CircuitBreaker) *KaggleDriver {
	return &KaggleDriver{RodDriver: base, cb: cb}
}

// StartSession logs into the configured Kaggle account, launches the
// bootstrap kernel, and waits for it to publish a tunnel URL.
func (d *KaggleDriver) StartSession(ctx context.Context, cfg StartConfig) (ok bool, tunnelURL string, err error) {
	if cfg.Kaggle == nil {
		return false, "", fmt.Errorf("driver: kaggle start requires Kaggle credentials")
	}

	if !d.cb.AllowRequest() {
		return false, "", resilience.ErrCircuitOpen
	}
	d.cb.RecordAttempt()

	logger := log.WithComponent("driver.kaggle")
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	sess, err := d.open(startCtx, kaggleLoginURL)
	if err != nil {
		d.cb.RecordTechnicalFailure()
		return false, "", fmt.Errorf("driver: kaggle open login page: %w", err)
	}
	defer d.close(sess, "")

	if err := d.login(sess, cfg.Kaggle.Username, cfg.Kaggle.Key); err != nil {
		d.cb.RecordTechnicalFailure()
		d.close(sess, "login_failed")
		return false, "", fmt.Errorf("driver: kaggle login: %w", err)
	}

	notebookURL := fmt.Sprintf(kaggleNotebookURLFmt, cfg.AccountID)
	notebookPage, err := d.navigate(startCtx, sess.browser, notebookURL)
	if err != nil {
		d.cb.RecordTechnicalFailure()
		d.close(sess, "kernel_navigate_failed")
		return false, "", fmt.Errorf("driver: kaggle open bootstrap kernel: %w", err)
	}
	sess.page = notebookPage

	url, err := d.readText(startCtx, sess.page, kaggleTunnelSelector)
	if err != nil {
		d.cb.RecordTechnicalFailure()
		d.close(sess, "tunnel_url_not_published")
		return false, "", fmt.Errorf("driver: kaggle tunnel url: %w", err)
	}

	d.cb.RecordSuccess()
	logger.Info().Str(log.FieldEvent, "driver.kaggle.started").Str(log.FieldAccountID, cfg.AccountID).Msg("kaggle session started")
	return true, url, nil
}

// StopSession checks the circuit breaker, then records and logs the stop
// request. It sends nothing to the remote kernel and has no browser
// session to close. The worker stays available for a future start.
func (d *KaggleDriver) StopSession(ctx context.Context, workerID int64) (bool, error) {
	if !d.cb.AllowRequest() {
		return false, resilience.ErrCircuitOpen
	}
	d.cb.RecordAttempt()
	d.cb.RecordSuccess()
	log.WithComponent("driver.kaggle").Info().Int64(log.FieldWorkerID, workerID).Msg("kaggle session stop requested")
	return true, nil
}

// ScrapeQuota reads Kaggle's own reported weekly GPU-quota-remaining
// figure for reconciliation against the local ledger. This reading is
// advisory only — see internal/quota.ScrapeCache.
func (d *KaggleDriver) ScrapeQuota(ctx context.Context, workerID int64) (quota.QuotaSnapshot, error) {
	if !d.cb.AllowRequest() {
		return quota.QuotaSnapshot{}, resilience.ErrCircuitOpen
	}
	d.cb.RecordAttempt()

	sess, err := d.open(ctx, kaggleLoginURL)
	if err != nil {
		d.cb.RecordTechnicalFailure()
		return quota.QuotaSnapshot{}, fmt.Errorf("driver: kaggle scrape quota: %w", err)
	}
	defer d.close(sess, "")

	raw, err := d.readText(ctx, sess.page, kaggleQuotaSelector)
	if err != nil {
		d.cb.RecordTechnicalFailure()
		return quota.QuotaSnapshot{}, fmt.Errorf("driver: kaggle scrape quota: %w", err)
	}

	hoursRemaining, perr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if perr != nil {
		d.cb.RecordTechnicalFailure()
		return quota.QuotaSnapshot{}, fmt.Errorf("driver: parse kaggle quota reading %q: %w", raw, perr)
	}

	d.cb.RecordSuccess()
	usedSeconds := int64((model.KaggleWeeklyHardMax.Hours() - hoursRemaining) * 3600)
	if usedSeconds < 0 {
		usedSeconds = 0
	}
	return quota.QuotaSnapshot{WorkerID: workerID, WeeklyUsedSeconds: usedSeconds, ScrapedAt: time.Now()}, nil
}

func (d *KaggleDriver) login(sess *session, username, key string) error {
	if err := d.fillInput(sess.page, kaggleUsernameSelector, username); err != nil {
		return fmt.Errorf("input username: %w", err)
	}
	if err := d.fillInput(sess.page, kaggleKeySelector, key); err != nil {
		return fmt.Errorf("input key: %w", err)
	}
	return nil
}
