// Package logging provides structured logging for s3inv-query using zerolog.
package logging

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/s3-inv-query/internal/logctx"
)

var (
	logger     *zerolog.Logger
	prettyMode atomic.Bool
)

func init() {
	// Default to JSON logging at info level
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger = &l
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Init configures the global logger.
// If debug is true, sets log level to Debug.
// If human is true, uses a human-friendly console writer and enables
// human-readable companion fields on scan events.
func Init(debug bool, human bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	prettyMode.Store(human)

	var output zerolog.LevelWriter
	if human {
		output = zerolog.LevelWriterAdapter{Writer: zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}}
	} else {
		output = zerolog.LevelWriterAdapter{Writer: os.Stderr}
	}

	l := zerolog.New(output).With().Timestamp().Logger()
	logger = &l
	// Context loggers fall back to logctx's default; keep it on the
	// same writer so pretty mode applies to every event.
	logctx.SetDefaultLogger(l)
}

// L returns the base logger.
func L() *zerolog.Logger {
	return logger
}

// WithPhase returns a logger with the phase field set.
func WithPhase(phase string) zerolog.Logger {
	return logger.With().Str("phase", phase).Logger()
}

// IsPrettyMode reports whether Init was called with human output.
func IsPrettyMode() bool {
	return prettyMode.Load()
}

// SetPrettyMode toggles human-readable companion fields without
// reconfiguring the writer (useful for testing).
func SetPrettyMode(on bool) {
	prettyMode.Store(on)
}

// SetLogger allows overriding the global logger (useful for testing).
func SetLogger(l zerolog.Logger) {
	logger = &l
}
