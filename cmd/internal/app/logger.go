package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"whiteboard/cmd/internal/envcfg"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates a structured logger with an explicit level and installs it as slog's default.
func NewLogger(level, format string) *slog.Logger {
	log := slog.New(newLogHandler(os.Stdout, level, format))
	slog.SetDefault(log)
	return log
}

// newLogHandler picks the handler for format: "pretty" (alias console/text) renders for a
// terminal, anything else logs JSON. Color follows NO_COLOR and WB_LOG_COLOR.
func newLogHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pretty", "console", "text":
		color := os.Getenv("NO_COLOR") == "" && envcfg.Bool("WB_LOG_COLOR", true)
		return newPrettyHandler(w, opts, color)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLogLevel(level string) slog.Level {
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
