package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name into a Level. Matching is case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Field is a single structured logging attribute.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field.
func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Err builds the conventional "error" field.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Logger is the logging facade used across courier components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// With returns a child logger carrying additional fields.
	With(fields ...Field) Logger
	// WithComponent tags logs with a component name.
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Option configures a logger built by NewLogger.
type Option func(*baseLogger)

// WithLevel sets the minimum log level.
func WithLevel(level Level) Option {
	return func(l *baseLogger) { l.level.Set(level.slog()) }
}

// WithFormat selects "text" (default) or "json" output.
func WithFormat(format string) Option {
	return func(l *baseLogger) { l.format = format }
}

// WithWriter directs output to w instead of stderr.
func WithWriter(w io.Writer) Option {
	return func(l *baseLogger) { l.out = w }
}

type baseLogger struct {
	level  *slog.LevelVar
	format string
	out    io.Writer
	sl     *slog.Logger
}

// NewLogger creates a logger with the given options.
func NewLogger(options ...Option) Logger {
	l := &baseLogger{level: new(slog.LevelVar), format: "text", out: os.Stderr}
	l.level.Set(slog.LevelInfo)
	for _, opt := range options {
		opt(l)
	}
	hopts := &slog.HandlerOptions{Level: l.level}
	var h slog.Handler
	if l.format == "json" {
		h = slog.NewJSONHandler(l.out, hopts)
	} else {
		h = slog.NewTextHandler(l.out, hopts)
	}
	l.sl = slog.New(h)
	return l
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.sl.Debug(msg, attrs(fields)...) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.sl.Info(msg, attrs(fields)...) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.sl.Warn(msg, attrs(fields)...) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.sl.Error(msg, attrs(fields)...) }

func (l *baseLogger) Fatal(msg string, fields ...Field) {
	l.sl.Error(msg, attrs(fields)...)
	os.Exit(1)
}

func (l *baseLogger) With(fields ...Field) Logger {
	child := *l
	child.sl = l.sl.With(attrs(fields)...)
	return &child
}

func (l *baseLogger) WithComponent(component string) Logger {
	return l.With(F("component", component))
}

func (l *baseLogger) SetLevel(level Level) { l.level.Set(level.slog()) }

func (l *baseLogger) GetLevel() Level {
	switch l.level.Level() {
	case slog.LevelDebug:
		return DebugLevel
	case slog.LevelInfo:
		return InfoLevel
	case slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() Logger {
	return NewLogger(WithWriter(io.Discard), WithLevel(FatalLevel))
}
