package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger shared by every binary.
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level, true)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return newLogger(io.Discard, "error", false)
}

func newLogger(w io.Writer, level string, source bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: source,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
