package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured JSON logger tagged with the service name.
// The level comes from LOG_LEVEL (debug, info, warn, error; default info).
func NewLogger(serviceName string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)

	// Every record carries the service name so aggregated logs stay sortable.
	return slog.New(handler).With(slog.String("service", serviceName))
}

// NewNopLogger returns a logger that discards everything. Test helper.
func NewNopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
