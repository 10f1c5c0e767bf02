// Package monitoring holds the diagnostic logger shared by the tracking
// components.
package monitoring

import (
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

var current atomic.Pointer[logFunc]

func init() {
	f := logFunc(log.Printf)
	current.Store(&f)
}

// Logf writes through the package logger. It defaults to log.Printf and may
// be replaced by SetLogger, e.g. to mute tests.
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// SetLogger replaces the package logger. Passing nil sets a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	lf := logFunc(f)
	current.Store(&lf)
}

// Logger prefixes every message with a component tag, e.g. "[sync] ".
type Logger struct {
	prefix string
}

// Component returns a Logger for the named component.
func Component(name string) Logger {
	return Logger{prefix: "[" + name + "] "}
}

// Printf logs a component-prefixed message.
func (l Logger) Printf(format string, v ...interface{}) {
	Logf(l.prefix+format, v...)
}
