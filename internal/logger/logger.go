// Package logger provides structured logging using log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LevelTrace is more verbose than debug, for detailed tracing.
const LevelTrace = slog.Level(-8)

var (
	defaultLogger *slog.Logger
	levelVar      = new(slog.LevelVar)
	currentFormat string
	output        io.Writer
	mu            sync.RWMutex
)

// Init initializes the global logger with the specified level and format.
func Init(level, format string) {
	mu.Lock()
	defer mu.Unlock()

	if defaultLogger == nil {
		output = os.Stdout
	}
	currentFormat = format
	levelVar.Set(parseLevel(level))
	defaultLogger = newLogger(format, output)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger creates a new logger with the current levelVar.
func newLogger(format string, w io.Writer) *slog.Logger {
	return slog.New(newHandler(format, w, levelVar))
}

// newHandler builds a JSON or text handler that renders LevelTrace as TRACE.
func newHandler(format string, w io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				if level == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// New creates a new logger with the specified configuration.
// Unlike Init it does not touch the global logger.
func New(level, format string, w io.Writer) *slog.Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))
	return slog.New(newHandler(format, w, lv))
}

// Reconfigure changes the log level and/or format at runtime.
func Reconfigure(level, format string) {
	mu.Lock()
	defer mu.Unlock()

	levelVar.Set(parseLevel(level))

	// Recreate handler if format changed
	if format != currentFormat {
		currentFormat = format
		defaultLogger = newLogger(format, output)
	}

	Info("logger_reconfigured", "level", level, "format", format)
}

// SetOutput redirects the global logger to w, keeping level and format.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	output = w
	defaultLogger = newLogger(currentFormat, w)
}

// Default returns the default logger, initializing it if necessary.
func Default() *slog.Logger {
	mu.RLock()
	logger := defaultLogger
	mu.RUnlock()

	if logger == nil {
		Init("info", "json")
		mu.RLock()
		logger = defaultLogger
		mu.RUnlock()
	}
	return logger
}

// Trace logs at trace level (more verbose than debug).
func Trace(msg string, args ...any) {
	Default().Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// LogRequest logs a forwarded call with standard fields.
func LogRequest(requestID string, port uint16, target string, status int, duration int64, bytesIn, bytesOut int64) {
	Default().Info("request",
		"request_id", requestID,
		"port", port,
		"target", target,
		"status", status,
		"duration_ms", duration,
		"bytes_in", bytesIn,
		"bytes_out", bytesOut,
	)
}

// LogTargetSelection logs the upstream chosen for a call.
func LogTargetSelection(requestID string, port uint16, target string, candidates int) {
	Default().Debug("target_selected",
		"request_id", requestID,
		"port", port,
		"target", target,
		"candidates", candidates,
	)
}

// LogLimitReached logs when a per-port limit rejects a call.
func LogLimitReached(limitType string, port uint16, current, max int) {
	Default().Warn("limit_reached",
		"limit_type", limitType,
		"port", port,
		"current", current,
		"max", max,
	)
}

// LogTargetState logs a target moving between health states. A probe error
// makes it a warning.
func LogTargetState(port uint16, target, state string, err error) {
	args := []any{"port", port, "target", target, "state", state}
	if err != nil {
		Default().Warn("target_health_state_changed", append(args, "error", err.Error())...)
		return
	}
	Default().Info("target_health_state_changed", args...)
}

// LogError logs an error with context.
func LogError(operation string, err error, args ...any) {
	allArgs := append([]any{"operation", operation, "error", err.Error()}, args...)
	Default().Error("error", allArgs...)
}
