package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger and provides structured logging capabilities.
type Logger struct {
	zlog zerolog.Logger
}

// New creates a Logger for the given environment writing to stdout.
// Development mode pretty-prints at debug level; every other environment
// emits JSON at info level.
func New(env string) *Logger {
	var output io.Writer = os.Stdout
	if env == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	return NewWithWriter(env, output)
}

// NewWithWriter creates a Logger that writes to w. Tests use it to capture
// output; the importer CLI uses it to log to stderr.
func NewWithWriter(env string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if env == "development" {
		level = zerolog.DebugLevel
	}

	zlog := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{zlog: zlog}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Debug logs a debug message with optional fields.
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.emit(l.zlog.Debug(), msg, fields)
}

// Info logs an info message with optional fields.
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.emit(l.zlog.Info(), msg, fields)
}

// Warn logs a warning message with optional fields.
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.emit(l.zlog.Warn(), msg, fields)
}

// Error logs an error message with an error and optional fields.
func (l *Logger) Error(msg string, err error, fields map[string]interface{}) {
	l.emit(l.zlog.Error().Err(err), msg, fields)
}

// Fatal logs a fatal message and exits the application.
func (l *Logger) Fatal(msg string, err error, fields map[string]interface{}) {
	l.emit(l.zlog.Fatal().Err(err), msg, fields)
}

func (l *Logger) emit(event *zerolog.Event, msg string, fields map[string]interface{}) {
	for key, value := range fields {
		event = event.Interface(key, value)
	}
	event.Msg(msg)
}

// With creates a child logger with additional context fields.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}
	return &Logger{zlog: ctx.Logger()}
}

// WithRequestID creates a child logger with a request ID field.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("request_id", requestID).Logger(),
	}
}

// WithComponent tags every entry with the emitting subsystem
// (e.g. "feeds", "importer", "hierarchy").
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("component", name).Logger(),
	}
}

// GetZerolog returns the underlying zerolog.Logger for advanced usage.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}
