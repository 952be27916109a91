// Package logger provides the process-wide structured logger.
//
// All exported functions use DefaultLogger. The level lives in a LevelVar so
// a config reload can change verbosity without rebuilding handlers.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	DefaultLogger *slog.Logger

	level = new(slog.LevelVar)
)

func init() {
	if env := os.Getenv("CAIRN_LOG_LEVEL"); env != "" {
		level.Set(ParseLevel(env))
	}
	DefaultLogger = slog.New(newHandler(os.Stderr, "text"))
}

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a level name to a slog.Level. Unknown names yield info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Configure replaces the output format and sets the level.
func Configure(w io.Writer, levelName, format string) {
	level.Set(ParseLevel(levelName))
	DefaultLogger = slog.New(newHandler(w, format))
}

// SetLevel changes the level of every logger derived from DefaultLogger.
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

// Level reports the current level.
func Level() slog.Level {
	return level.Level()
}

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return DefaultLogger.With(args...)
}

// ForRun returns a logger tagged with a component and run id.
func ForRun(component, runID string) *slog.Logger {
	return DefaultLogger.With("component", component, "run_id", runID)
}

type contextKey struct{}

// NewContext stores a logger in ctx.
func NewContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored in ctx, or DefaultLogger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return DefaultLogger
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// Debug logs a debug-level message.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// Warn logs a warning. Use for recoverable or unexpected situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}
