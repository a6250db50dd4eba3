package ebox

import (
	"io"
	"log/slog"
)

// NewLogger builds a structured logger at the given level ("debug",
// "info", "warn", "error") in the given format ("json" or "text"),
// writing to defaultLogWriter, which is io.Discard. Use
// NewLoggerWithWriter to send the output somewhere.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, defaultLogWriter)
}

var defaultLogWriter io.Writer = io.Discard

// NewLoggerWithWriter is NewLogger with an explicit output writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// NopLogger returns a logger that discards everything, the default
// for an Ebox/Stream that was never given one via SetLogger.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch level {
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

// Common structured logging attribute keys used across ebox
// operations.
const (
	logKeyOp        = "op"
	logKeyConfig    = "config"
	logKeyPart      = "part"
	logKeyKind      = "kind"
	logKeyChallenge = "challenge_id"
)

// SetLogger attaches logger to e; subsequent operations on e log
// through it. A nil logger is equivalent to NopLogger.
func (e *Ebox) SetLogger(logger *slog.Logger) { e.log = logger }

func (e *Ebox) logger() *slog.Logger {
	if e.log == nil {
		return NopLogger()
	}
	return e.log
}
