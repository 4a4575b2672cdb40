// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import "github.com/rs/zerolog"

// testLogger returns a discard logger for exercising loop internals
// directly in tests without wiring the full structured-logging stack.
func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
