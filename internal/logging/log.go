package logging

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	current.Store(&l)
}

func setLogger(l zerolog.Logger) {
	current.Store(&l)
}

// Logger returns the process-wide logger for structured call sites.
func Logger() zerolog.Logger {
	return *current.Load()
}

// With returns a child logger carrying one string field.
func With(key, value string) zerolog.Logger {
	return Logger().With().Str(key, value).Logger()
}

func Tracef(format string, args ...any) {
	l := current.Load()
	l.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	l := current.Load()
	l.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	l := current.Load()
	l.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	l := current.Load()
	l.Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	l := current.Load()
	l.Error().Msgf(format, args...)
}
