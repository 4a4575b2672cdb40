// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher drives a Scanner on a fixed interval and, when the secret
// surface is file-backed, additionally on every file-change event —
// the interval remains the source of truth so a missed fsnotify event
// can never wedge discovery (SPEC_FULL.md's Auto-Discovery detail).
type Watcher struct {
	scanner  *Scanner
	interval time.Duration
	filePath string // empty when the surface is not file-backed
}

// NewWatcher builds a Watcher. filePath may be empty if the configured
// secret surface is environment-only.
func NewWatcher(scanner *Scanner, interval time.Duration, filePath string) *Watcher {
	return &Watcher{scanner: scanner, interval: interval, filePath: filePath}
}

// Run blocks, scanning on a fixed interval and on file-change events,
// until ctx is cancelled. It performs one scan immediately on entry.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponent("discovery")

	if err := w.scanner.Scan(ctx); err != nil {
		logger.Error().Err(err).Msg("initial discovery scan failed")
	}

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	watcher, err := w.startFileWatcher(ctx)
	if err != nil {
		return fmt.Errorf("discovery: start file watcher: %w", err)
	}
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	rescan := func(trigger string) {
		logger.Debug().Str("trigger", trigger).Msg("running discovery scan")
		if err := w.scanner.Scan(ctx); err != nil {
			logger.Error().Err(err).Str("trigger", trigger).Msg("discovery scan failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			rescan("interval")

		case event, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.filePath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() { rescan("file_change") })

		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

func (w *Watcher) startFileWatcher(_ context.Context) (*fsnotify.Watcher, error) {
	if w.filePath == "" {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(w.filePath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return watcher, nil
}
