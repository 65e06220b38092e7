package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Epoch is the start time of every clock returned by NewClock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewClock returns a mock clock set to Epoch.
//
// Timers created with AfterFunc fire on their own goroutine when the clock
// is advanced past them, so tests observing their effects should use
// require.Eventually.
func NewClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(Epoch)
	return c
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
