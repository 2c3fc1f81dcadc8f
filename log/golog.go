package log

import (
	"os"
	"sync"

	"github.com/kataras/golog"
)

// Golog implements Logger on kataras/golog. It is the default for
// every checkpoint backend; level filtering and output routing are
// golog's, field rendering is Line's.
type Golog struct {
	logger *golog.Logger
}

var _ Logger = (*Golog)(nil)

// NewGolog wraps an existing golog.Logger, so callers can share one
// instance with the rest of their application.
func NewGolog(logger *golog.Logger) *Golog {
	return &Golog{logger: logger}
}

var (
	defaultOnce   sync.Once
	defaultLogger *Golog
)

// Default returns the shared backend logger: golog to stderr at warn
// level, built once. Backends fall back to it when no logger option is
// given.
func Default() *Golog {
	defaultOnce.Do(func() {
		l := golog.New()
		l.SetOutput(os.Stderr)
		l.SetLevel("warn")
		l.SetPrefix("dashflow ")
		defaultLogger = &Golog{logger: l}
	})
	return defaultLogger
}

// SetLevel adjusts the underlying golog level ("debug", "info", "warn",
// "error", "disable").
func (g *Golog) SetLevel(level string) {
	g.logger.SetLevel(level)
}

// Debug logs at debug level.
func (g *Golog) Debug(msg string, fields ...Field) {
	g.logger.Debug(Line(msg, fields...))
}

// Info logs at info level.
func (g *Golog) Info(msg string, fields ...Field) {
	g.logger.Info(Line(msg, fields...))
}

// Warn logs at warn level.
func (g *Golog) Warn(msg string, fields ...Field) {
	g.logger.Warn(Line(msg, fields...))
}

// Error logs at error level.
func (g *Golog) Error(msg string, fields ...Field) {
	g.logger.Error(Line(msg, fields...))
}
