// ABOUTME: Shared helpers for events package tests
// ABOUTME: Provides a logger that discards output

package events

import (
	"io"
	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
