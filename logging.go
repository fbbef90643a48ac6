package sourced

import (
	"context"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// LogLevel mirrors the level taxonomy kgo.Logger uses at its call sites
// (LogLevelDebug/Info/Warn/Error), so hosts migrating logging adapters
// from a kgo-based service recognize the shape immediately.
type LogLevel int8

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// Logger is the structured, leveled logging interface every long-running
// component (Dispatcher, Worker, Router, storepg.Store) logs through.
// Keyvals alternate key, value, ... exactly like slog's variadic form.
type Logger interface {
	Level() LogLevel
	Log(level LogLevel, msg string, keyvals ...any)
}

// nopLogger discards everything; it is the Config default when no
// WithLogger option is given.
type nopLogger struct{}

func (nopLogger) Level() LogLevel                        { return LogLevelNone }
func (nopLogger) Log(LogLevel, string, ...any)            {}

// NopLogger returns a Logger that discards all output.
func NopLogger() Logger { return nopLogger{} }

// SlogLogger adapts a *slog.Logger to the Logger interface. The default
// constructed by NewSlogLogger uses tint's colorized handler, the same
// dependency the 242617-core manifest pulls in for readable local
// development logs on top of the standard library's structured logger.
type SlogLogger struct {
	level  LogLevel
	logger *slog.Logger
}

// NewSlogLogger builds a SlogLogger at level writing to os.Stderr via
// tint's handler, configured by opts[0] if given.
func NewSlogLogger(level LogLevel, opts ...tint.Options) *SlogLogger {
	var handlerOpts tint.Options
	if len(opts) > 0 {
		handlerOpts = opts[0]
	}
	if handlerOpts.Level == nil {
		handlerOpts.Level = slogLevel(level)
	}
	handler := tint.NewHandler(os.Stderr, &handlerOpts)
	return &SlogLogger{level: level, logger: slog.New(handler)}
}

func (l *SlogLogger) Level() LogLevel { return l.level }

func (l *SlogLogger) Log(level LogLevel, msg string, keyvals ...any) {
	if level > l.level {
		return
	}
	l.logger.Log(context.Background(), toSlogLevel(level), msg, keyvals...)
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelError:
		return slog.LevelError
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func slogLevel(level LogLevel) slog.Level {
	return toSlogLevel(level)
}
