// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// RodDriver is the shared browser-automation base that ColabDriver and
// KaggleDriver specialize with family-specific login flows. It owns
// browser lifecycle, navigation timeout enforcement, and
// screenshot-on-failure diagnostics so neither specialization has to.
type RodDriver struct {
	headless        bool
	navTimeout      time.Duration
	screenshotDir   string
	logger          zerolog.Logger
}

// NewRodDriver builds a base driver. screenshotDir may be empty to
// disable failure screenshots (e.g. in CI).
func NewRodDriver(headless bool, navTimeout time.Duration, screenshotDir string) RodDriver {
	return RodDriver{
		headless:      headless,
		navTimeout:    navTimeout,
		screenshotDir: screenshotDir,
		logger:        log.WithComponent("driver.rod"),
	}
}

// session wraps one launched browser + page for the duration of a
// single driver call.
type session struct {
	browser *rod.Browser
	page    *rod.Page
}

// open launches a fresh headless (or headful, for local debugging)
// browser and navigates to url, enforcing the base's navigation timeout.
func (d RodDriver) open(ctx context.Context, url string) (*session, error) {
	l := launcher.New().Headless(d.headless)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("driver: launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("driver: connect to browser: %w", err)
	}

	pg, err := d.navigate(ctx, browser, url)
	if err != nil {
		_ = browser.Close()
		return nil, err
	}

	return &session{browser: browser, page: pg}, nil
}

// navigate opens url in a new page on an already-connected browser,
// enforcing the base's navigation timeout.
func (d RodDriver) navigate(ctx context.Context, browser *rod.Browser, url string) (*rod.Page, error) {
	navCtx, cancel := context.WithTimeout(ctx, d.navTimeout)
	defer cancel()

	pg, err := browser.Context(navCtx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("driver: navigate to %s: %w", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return nil, fmt.Errorf("driver: wait for %s to load: %w", url, err)
	}
	return pg, nil
}

// fillInput types text into the first element matching selector.
func (d RodDriver) fillInput(page *rod.Page, selector, text string) error {
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("locate %s: %w", selector, err)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("input into %s: %w", selector, err)
	}
	return nil
}

// readText returns the text content of the first element matching
// selector once it appears, or an error if it never does within ctx.
func (d RodDriver) readText(ctx context.Context, page *rod.Page, selector string) (string, error) {
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("locate %s: %w", selector, err)
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("read text of %s: %w", selector, err)
	}
	return text, nil
}

// close releases the browser, taking a diagnostic screenshot first if
// failureReason is non-empty and a screenshot directory is configured.
func (d RodDriver) close(sess *session, failureReason string) {
	if sess == nil {
		return
	}
	if failureReason != "" && d.screenshotDir != "" {
		d.screenshot(sess, failureReason)
	}
	_ = sess.browser.Close()
}

func (d RodDriver) screenshot(sess *session, reason string) {
	data, err := sess.page.Screenshot(true, nil)
	if err != nil {
		d.logger.Warn().Err(err).Str(log.FieldShutdownReason, reason).Msg("failed to capture diagnostic screenshot")
		return
	}
	if err := os.MkdirAll(d.screenshotDir, 0o750); err != nil {
		d.logger.Warn().Err(err).Msg("failed to create screenshot directory")
		return
	}
	name := fmt.Sprintf("%d-%s.png", time.Now().UnixNano(), sanitizeForFilename(reason))
	path := filepath.Join(d.screenshotDir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil { // #nosec G306 -- diagnostic artifact, not a secret
		d.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("failed to write diagnostic screenshot")
		return
	}
	d.logger.Info().Str(log.FieldEvent, "driver.screenshot_captured").Str(log.FieldPath, path).Str(log.FieldShutdownReason, reason).Msg("captured failure screenshot")
}

func sanitizeForFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
