// Package logging builds the process-wide structured logger. Every service
// derives its own child with a "component" attribute (identity, registry,
// ledger, lifecycle, ...) so one stream stays filterable.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog so callers can hold one handle for both the raw
// *slog.Logger and any future convenience methods.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to stdout. JSON output is for log shippers;
// the text handler is for reading a control plane by eye.
func New(jsonMode bool) *Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{slog.New(handler)}
}
