// Package logging wraps log/slog the way
// controlplane/internet-latency-collector/internal/collector/logging.go
// does: a package-level logger, a small string-based Level type read
// straight out of config, and text-vs-JSON handler selection based on
// debug mode. The human-terminal handler is
// telemetry/global-monitor/cmd/global-monitor/main.go's newLogger: a
// colorized tint.Handler rather than slog's plain text handler.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"

	"github.com/schuellerf/bufferbane/internal/apperrors"
)

var logger *slog.Logger

// Level is the configured verbosity, as written in config files.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Init installs the process-wide logger: colorized tint handler with
// source locations in debug mode, JSON handler otherwise (matching the
// teacher's reasoning that debug is for a human terminal, everything
// else feeds a log pipeline).
func Init(level Level) {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelInfo:
		slogLevel = slog.LevelInfo
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	debug := level == LevelDebug

	var handler slog.Handler
	if debug {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:     slogLevel,
			AddSource: true,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// Get returns the process logger, initializing it at info level on first
// use so packages that run before Init (tests, early CLI setup) never
// dereference a nil logger.
func Get() *slog.Logger {
	if logger == nil {
		Init(LevelInfo)
	}
	return logger
}

// Error logs an *apperrors.Error with its Kind, Operation, and context
// flattened into structured attributes.
func Error(msg string, err *apperrors.Error) {
	attrs := []slog.Attr{
		slog.String("kind", string(err.Kind)),
		slog.String("operation", err.Operation),
		slog.String("message", err.Message),
	}
	for k, v := range err.Context() {
		attrs = append(attrs, slog.Any(k, v))
	}
	if err.Cause != nil {
		attrs = append(attrs, slog.String("cause", err.Cause.Error()))
	}
	Get().LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}
