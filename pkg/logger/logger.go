package logger

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the process logger.
type Options struct {
	ServiceName string
	Level       zerolog.Level
	// Format selects "json" (default) or "console" output.
	Format    string
	WarnStack bool
	Output    io.Writer
}

// Logger threads request-scoped fields through context: every WithX call
// returns a derived context, and the emitting methods read the enriched
// entry back out of whatever context they are handed.
type Logger struct {
	base      zerolog.Logger
	warnStack bool
}

type entryKey struct{}

// New builds the logger. Level defaults to info, output to stdout.
func New(opts Options) *Logger {
	if opts.Level == zerolog.NoLevel {
		opts.Level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	base := zerolog.New(destination(opts)).
		With().
		Timestamp().
		Str("service", opts.ServiceName).
		Logger().
		Level(opts.Level)

	return &Logger{base: base, warnStack: opts.WarnStack}
}

/// destination resolves the writer: caller override first, console rendering
// when asked for, stdout otherwise.
func destination(opts Options) io.Writer {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Format == "console" {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return out
}

// ParseLevel maps a config string onto a zerolog level. Anything
// unrecognized, including empty, means info.
func ParseLevel(value string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *Logger) fromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if entry, ok := ctx.Value(entryKey{}).(zerolog.Logger); ok {
			return entry
		}
	}
	return l.base
}

func (l *Logger) withEntry(ctx context.Context, entry zerolog.Logger) context.Context {
	return context.WithValue(ctx, entryKey{}, entry)
}

// WithField returns a context whose log entries carry key=value.
func (l *Logger) WithField(ctx context.Context, key string, value any) context.Context {
	entry := l.fromContext(ctx)
	return l.withEntry(ctx, entry.With().Interface(key, value).Logger())
}

// WithFields is WithField for several keys at once.
func (l *Logger) WithFields(ctx context.Context, fields map[string]any) context.Context {
	builder := l.fromContext(ctx).With()
	for k, v := range fields {
		builder = builder.Interface(k, v)
	}
	return l.withEntry(ctx, builder.Logger())
}

// Well-known field helpers. Handlers seed request_id and user_id; the
// webhook and provisioning paths thread correlation_id; workers tag job.

func (l *Logger) WithRequestID(ctx context.Context, requestID string) context.Context {
	return l.WithField(ctx, "request_id", requestID)
}

func (l *Logger) WithUserID(ctx context.Context, userID string) context.Context {
	return l.WithField(ctx, "user_id", userID)
}

func (l *Logger) WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return l.WithField(ctx, "correlation_id", correlationID)
}

func (l *Logger) WithJob(ctx context.Context, job string) context.Context {
	return l.WithField(ctx, "job", job)
}

func (l *Logger) Info(ctx context.Context, msg string) {
	entry := l.fromContext(ctx)
	entry.Info().Msg(msg)
}

// Warn attaches a stack only when WarnStack was enabled; warn volume is too
// high to pay for stacks unconditionally.
func (l *Logger) Warn(ctx context.Context, msg string) {
	entry := l.fromContext(ctx)
	event := entry.Warn()
	if l.warnStack {
		event = event.Str("stack", stackTrace())
	}
	event.Msg(msg)
}

// Error always carries a stack; err is attached when present.
func (l *Logger) Error(ctx context.Context, msg string, err error) {
	entry := l.fromContext(ctx)
	event := entry.Error().Str("stack", stackTrace())
	if err != nil {
		event = event.Err(err)
	}
	event.Msg(msg)
}

func stackTrace() string {
	return strings.TrimSpace(string(debug.Stack()))
}
