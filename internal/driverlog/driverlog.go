// Package driverlog is the logging facade the rest of the driver writes
// through. The embedder supplies a logr.Logger at driver construction; when
// none is supplied, a stdr-backed default prints through log.Default so an
// unconfigured driver still leaves a usable trail.
package driverlog

import (
	"log"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Verbosity levels mapped onto logr's V() scale.
const (
	levelInfo  = 0
	levelDebug = 1
)

// Logger wraps a logr.Logger with the four-level surface the driver uses
// internally. The name given at construction becomes the logr name, which
// stdr renders as a prefix the way the rest of the module prefixes its
// operational log lines.
type Logger struct {
	l logr.Logger
}

// New wraps sink under the given component name.
func New(sink logr.Logger, name string) Logger {
	return Logger{l: sink.WithName(name)}
}

// Default returns a Logger printing through the process-wide standard
// logger, used when the embedder configures nothing.
func Default(name string) Logger {
	return New(stdr.New(log.Default()), name)
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return Logger{l: logr.Discard()}
}

// WithName returns a Logger scoped one name level deeper.
func (lg Logger) WithName(name string) Logger {
	return Logger{l: lg.l.WithName(name)}
}

// WithValues returns a Logger carrying extra key/value context on every
// line, e.g. a connection correlation id.
func (lg Logger) WithValues(kv ...any) Logger {
	return Logger{l: lg.l.WithValues(kv...)}
}

func (lg Logger) Debug(msg string, kv ...any) {
	lg.l.V(levelDebug).Info(msg, kv...)
}

func (lg Logger) Info(msg string, kv ...any) {
	lg.l.V(levelInfo).Info(msg, kv...)
}

func (lg Logger) Warn(msg string, kv ...any) {
	lg.l.V(levelInfo).Info("warning: "+msg, kv...)
}

func (lg Logger) Error(err error, msg string, kv ...any) {
	lg.l.Error(err, msg, kv...)
}

// BoltLogger receives raw wire-level traffic, one call per message in
// either direction. It is separate from Logger because wire traces are
// high-volume and usually routed to a different sink than driver events.
type BoltLogger interface {
	LogClientMessage(id string, msg string, args ...any)
	LogServerMessage(id string, msg string, args ...any)
}
