// Package logging builds the structured zerolog logger shared by every
// other package in the reactor.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-systems/reactornet/internal/logsink"
)

// Options configures logger construction.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// New builds a zerolog.Logger with a timestamp, caller info, and a
// "service" field, matching the level/format requested. Every write the
// logger makes is queued through internal/logsink (C1) rather than going
// straight to stdout, so a slow log destination can never stall the
// goroutine doing the logging — the reactor's single-owner event loop in
// particular must only ever block in its readiness wait, never behind
// log I/O. The returned Sink must be Closed during shutdown to drain any
// lines still queued.
func New(opts Options) (zerolog.Logger, *logsink.Sink) {
	var dest io.Writer = os.Stdout
	if opts.Format == "console" {
		dest = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	sink := logsink.New(dest, 0)
	logger := zerolog.New(sink).
		With().
		Timestamp().
		Caller().
		Str("service", "reactornet").
		Logger()

	return logger, sink
}

// RecoverPanic is meant to be deferred first in any goroutine the reactor
// spawns (worker tasks, reader pumps); it logs a recovered panic with a
// stack trace instead of letting it crash the process.
func RecoverPanic(logger zerolog.Logger, where string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	event := logger.Error().
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack())).
		Str("where", where)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("recovered from panic")
}
