// Package logger wraps logrus behind the small interface the rest of the
// module depends on, so components outside internal/metrics (which keeps
// its own logrus logger) never import logrus directly and test doubles
// stay trivial.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal logging surface every component accepts. It is
// satisfied structurally by *logrus.Logger and *logrus.Entry.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// New builds a logrus-backed Logger. format is "json" or "text"
// (anything else falls back to text); level is a logrus level name such as
// "debug", "info", "warn", or "error".
func New(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	return log
}

// NewWithOutput is New with an explicit writer, used by tests that capture
// log output instead of writing to stdout.
func NewWithOutput(level, format string, w io.Writer) *logrus.Logger {
	log := New(level, format)
	log.SetOutput(w)
	return log
}

// Noop returns a Logger that discards everything, for call sites (and
// tests) that don't care about log output.
func Noop() Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
