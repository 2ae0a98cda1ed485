// Package logging builds the service logger and hosts the shared panic
// recovery helper used by every long-lived goroutine.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwire/driftwire/internal/metrics"
)

// Config selects level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or pretty
}

// New returns the service-tagged root logger. Components derive their own
// with logger.With().Str("component", ...).
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "driftwire").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the process
// running. Use as the first defer of every goroutine so it runs last.
func RecoverPanic(logger zerolog.Logger, where string) {
	if r := recover(); r != nil {
		metrics.PanicsRecovered.Inc()
		logger.Error().
			Str("goroutine", where).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
