// Package logging provides structured logging for the automation engine.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	traceIDKey        contextKey = "trace_id"
	accountIDKey      contextKey = "account_id"
	messageIDKey      contextKey = "message_id"
	executedRuleIDKey contextKey = "executed_rule_id"
	jobIDKey          contextKey = "job_id"
)

// contextKeys is the order in which context values are emitted.
var contextKeys = []contextKey{traceIDKey, accountIDKey, messageIDKey, executedRuleIDKey, jobIDKey}

// Logger wraps slog with engine-specific helpers.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
	// AddSource adds source code location to log entries.
	AddSource bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}
	return NewWithWriter(cfg, output), nil
}

// NewWithWriter creates a Logger that writes to w, ignoring cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.DateTime,
			NoColor:    w != os.Stdout && w != os.Stderr,
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					if t, ok := a.Value.Any().(time.Time); ok {
						a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
					}
				}
				return a
			},
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

func parseLevel(s string) slog.Level {
	switch s {
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

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// Discard returns a logger that drops everything. Used by tests and
// by components constructed without a logger.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// WithTraceID returns a new context with the trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithAccountID returns a new context with the account ID.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// WithMessageID returns a new context with the message ID.
func WithMessageID(ctx context.Context, msgID string) context.Context {
	return context.WithValue(ctx, messageIDKey, msgID)
}

// WithExecutedRuleID returns a new context with the executed rule ID.
func WithExecutedRuleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executedRuleIDKey, id)
}

// WithJobID returns a new context with the automation job ID.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// extractContextAttrs extracts logging attributes from context.
func extractContextAttrs(ctx context.Context) []any {
	var args []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, string(key), v)
		}
	}
	return args
}

func (l *Logger) merge(ctx context.Context, args []any) []any {
	attrs := extractContextAttrs(ctx)
	if len(attrs) == 0 {
		return args
	}
	return append(attrs, args...)
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.merge(ctx, args)...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	if err != nil {
		args = append([]any{"error", err.Error()}, args...)
	}
	l.Logger.ErrorContext(ctx, msg, l.merge(ctx, args)...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.merge(ctx, args)...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.merge(ctx, args)...)
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func (l *Logger) component(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// Matcher returns a logger for rule matching and condition evaluation.
func (l *Logger) Matcher() *Logger { return l.component("matcher") }

// Executor returns a logger for action execution.
func (l *Logger) Executor() *Logger { return l.component("executor") }

// Scheduler returns a logger for the automation job scheduler.
func (l *Logger) Scheduler() *Logger { return l.component("scheduler") }

// Queue returns a logger for the task queue and its dispatcher.
func (l *Logger) Queue() *Logger { return l.component("queue") }

// API returns a logger for the HTTP trigger surface.
func (l *Logger) API() *Logger { return l.component("api") }

// Mailbox returns a logger for provider operations.
func (l *Logger) Mailbox() *Logger { return l.component("mailbox") }

// Ingest returns a logger for the inbound SMTP listener.
func (l *Logger) Ingest() *Logger { return l.component("ingest") }
