package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger defines the logging interface
type Logger interface {
	LogDebug(ctx context.Context, msg string, attrs ...any)
	LogInfo(ctx context.Context, msg string, attrs ...any)
	LogError(ctx context.Context, msg string, err error, attrs ...any)
	LogWarning(ctx context.Context, msg string, attrs ...any)
	WithRequestID(requestID string) Logger
	With(attrs ...any) Logger
}

// Options controls the handler built by New.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// StructuredLogger implements the Logger interface
type StructuredLogger struct {
	*slog.Logger
}

// NewLogger creates a JSON logger at info level writing to stdout
func NewLogger() Logger {
	return New(Options{})
}

// New creates a structured logger from options. Format is "json" (default) or "text".
func New(opts Options) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}
	return &StructuredLogger{Logger: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithRequestID adds a request ID to the logger context
func (l *StructuredLogger) WithRequestID(requestID string) Logger {
	return l.With("request_id", requestID)
}

// With returns a logger carrying the given attributes on every record
func (l *StructuredLogger) With(attrs ...any) Logger {
	return &StructuredLogger{Logger: l.Logger.With(attrs...)}
}

// LogError logs an error with context
func (l *StructuredLogger) LogError(ctx context.Context, msg string, err error, attrs ...any) {
	errText := "<nil>"
	if err != nil {
		errText = err.Error()
	}
	allAttrs := append([]any{"error", errText}, attrs...)
	l.Logger.ErrorContext(ctx, msg, allAttrs...)
}

// LogInfo logs an info message with context
func (l *StructuredLogger) LogInfo(ctx context.Context, msg string, attrs ...any) {
	l.Logger.InfoContext(ctx, msg, attrs...)
}

// LogWarning logs a warning message with context
func (l *StructuredLogger) LogWarning(ctx context.Context, msg string, attrs ...any) {
	l.Logger.WarnContext(ctx, msg, attrs...)
}

// LogDebug logs a debug message with context
func (l *StructuredLogger) LogDebug(ctx context.Context, msg string, attrs ...any) {
	l.Logger.DebugContext(ctx, msg, attrs...)
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying l.
func NewContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the request-scoped logger, or fallback when none is set.
func FromContext(ctx context.Context, fallback Logger) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return fallback
}
