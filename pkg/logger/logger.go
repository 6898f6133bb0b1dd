package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a production-friendly structured logger.
// level overrides the env-derived default when non-empty.
// No business logic should depend on logging implementation details.
func New(appEnv, level string) *slog.Logger {
	return newTo(os.Stdout, appEnv, level)
}

func newTo(w io.Writer, appEnv, level string) *slog.Logger {
	lvl := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		lvl = slog.LevelDebug
	}
	if parsed, ok := ParseLevel(level); ok {
		lvl = parsed
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

// ParseLevel maps debug/info/warn/error (any case) to a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
