// Package log wires up the process-wide logger used by every other package.
// There is exactly one logger for the lifetime of the process: PID 1 never
// exits normally, so there is nothing to tear down.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the boot-time logger at a conservative default level.
// It is reconfigured in place once user-data's debug flag is known, via
// SetDebug.
func NewLogger(version, commit, buildDate string) *logrus.Entry {
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(logrus.InfoLevel)
	base.SetOutput(os.Stderr)

	return base.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"built":   buildDate,
	})
}

// SetDebug mutates the underlying logger's level in place. Called once
// user-data has been fetched and parsed, per spec.md §4.J.
func SetDebug(entry *logrus.Entry, debug bool) {
	if debug {
		entry.Logger.SetLevel(logrus.DebugLevel)
		return
	}
	entry.Logger.SetLevel(logrus.InfoLevel)
}

// Discard returns a logger that drops everything, used by tests that don't
// care about log output but need to satisfy a *logrus.Entry parameter.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}
