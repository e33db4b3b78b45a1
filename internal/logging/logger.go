// Package logging builds the structured zerolog logger shared by every
// component of the client runtime.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level is log verbosity, loaded from config rather than hardcoded.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format is the log output encoding.
type Format string

const (
	FormatJSON   Format = "json"   // structured, machine-parseable
	FormatPretty Format = "pretty" // human-readable console output for local dev
)

// Config controls logger construction.
type Config struct {
	Level  Level
	Format Format
}

// New builds a zerolog.Logger tagged with the component name ("moo"),
// timestamped, with caller info, ready to be narrowed further via
// logger.With().Str(...).Logger() at each subsystem boundary.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("component", "moo").
		Logger()
}

// LogError logs an error with contextual fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// LogPanic logs a recovered panic with its stack trace. Callers decide
// whether to re-panic; this never exits the process itself.
func LogPanic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
