package logger

import (
	"context"
	"io"
	"log/slog"
)

// LevelCritical sits above slog.LevelError and marks conditions that reduce
// the protection the service provides (store outages, dropped audit records).
const LevelCritical = slog.Level(12)

// Critical logs msg at LevelCritical.
func Critical(ctx context.Context, l *slog.Logger, msg string, attrs ...slog.Attr) {
	l.LogAttrs(ctx, LevelCritical, msg, attrs...)
}

// ReplaceLevel renders LevelCritical as "CRITICAL" instead of "ERROR+4".
func ReplaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

// New builds the JSON logger used by the service.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLevel,
	}))
}

// ParseLevel maps a config string onto a slog level. Unknown values fall back
// to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}
