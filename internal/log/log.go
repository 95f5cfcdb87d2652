// Package log builds the structured slog loggers used across edgetun.
package log

import (
	"io"
	"log/slog"
	"os"
)

// New creates a [slog.Logger] at the given level. Records go to stderr so
// command output on stdout (tables, PEM exports, JSON) stays clean.
func New(level string) *slog.Logger {
	return NewWriter(os.Stderr, level)
}

// NewWriter is like [New] but writes to w.
func NewWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps "debug", "info", "warn", and "error" to slog levels.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
