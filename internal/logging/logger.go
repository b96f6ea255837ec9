package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger a binary writes to stdout. Every record
// carries the service name.
func NewLogger(service, level string) *slog.Logger {
	return New(os.Stdout, level).With("service", service)
}

func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       levelFromString(level),
		AddSource:   true,
		ReplaceAttr: utcTime,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard is a logger for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// utcTime pins the record timestamp to UTC so replicas in different zones
// sort together.
func utcTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.TimeValue(a.Value.Time().UTC())
	}
	return a
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
