package common

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// LogFormat selects the output encoding of the engine logger.
type LogFormat int

const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	InitLogger(os.Stderr, slog.LevelInfo, LogFormatText)
}

// InitLogger replaces the engine logger. Timestamps are rendered as RFC3339.
func InitLogger(w io.Writer, level slog.Level, format LogFormat) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if format == LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	defaultLogger.Store(slog.New(handler))
}

// Logger returns the engine logger.
func Logger() *slog.Logger {
	return defaultLogger.Load()
}

// ParseLogLevel maps "debug", "info", "warn" and "error" to slog levels; anything else is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
