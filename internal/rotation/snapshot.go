// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rotation

import (
	"encoding/json"
	"fmt"

	"github.com/arvidsson/gpufleet/internal/log"
	"github.com/arvidsson/gpufleet/internal/model"
	"github.com/google/renameio/v2"
)

// WriteSnapshot atomically writes the Schedule to path as indented JSON,
// purely for operator visibility. It is never read back as the source of
// truth — every Schedule is reconstructible from the worker inventory.
func WriteSnapshot(path string, schedule model.Schedule) error {
	logger := log.WithComponent("rotation")

	buf, err := json.MarshalIndent(schedule, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rotation schedule: %w", err)
	}

	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending schedule file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending schedule file")
		}
	}()

	if _, err := pendingFile.Write(buf); err != nil {
		return fmt.Errorf("write rotation schedule: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace schedule file: %w", err)
	}

	return nil
}
