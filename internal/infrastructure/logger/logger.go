// Package logger holds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	log = newLogger("info", os.Stdout, false)
}

// Init reconfigures the global logger. Pretty enables the human-readable
// console writer for local runs; production output stays JSON.
func Init(level string, out io.Writer, pretty bool) {
	if out == nil {
		out = os.Stdout
	}
	log = newLogger(level, out, pretty)
}

func newLogger(level string, out io.Writer, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// With returns a component-scoped logger.
func With(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }
