package logutil

import (
	"io"
	"log/slog"
)

// New returns a logger for service that writes to w.
// In development it writes text at debug level, otherwise JSON at info level.
func New(w io.Writer, service string, development bool) *slog.Logger {
	var h slog.Handler
	if development {
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(h).With("service", service)
}
