// Package logging is the process-wide leveled logger.
//
// Call sites use the printf helpers with a "pkg.Type.method key=value" message
// shape; the backing zerolog logger is swapped atomically by Apply.
package logging

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	Apply(defaultConfig(ProfileRuntime))
}

// Apply replaces the process logger. It bypasses the Configure once-guard.
func Apply(cfg Config) {
	l := build(cfg, colorable.NewColorableStderr())
	current.Store(&l)
}

func build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	w := out
	if !cfg.Bypass {
		cw := zerolog.ConsoleWriter{
			Out:     out,
			NoColor: cfg.NoColor,
		}
		if cfg.Timestamp {
			cw.TimeFormat = time.RFC3339
		} else {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		w = cw
	}
	ctx := zerolog.New(w).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger().Level(cfg.Level)
}

// Logger returns a copy of the current process logger.
func Logger() zerolog.Logger {
	return *current.Load()
}

func Tracef(format string, args ...any) {
	current.Load().Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	current.Load().Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	current.Load().Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	current.Load().Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	current.Load().Error().Msgf(format, args...)
}

// Logf writes regardless of the configured level.
func Logf(format string, args ...any) {
	current.Load().Log().Msgf(format, args...)
}
