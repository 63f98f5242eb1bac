// Package klog provides the kernel's structured logger. Every subsystem
// obtains a module-tagged entry so diagnostics can be attributed to the
// subsystem that emitted them.
package klog

import (
	"io"

	"github.com/sirupsen/logrus"
)

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Module returns a logger entry tagged with the given subsystem name.
func Module(name string) *logrus.Entry {
	return root.WithField("module", name)
}

// SetLevel adjusts the verbosity of all module loggers.
func SetLevel(level logrus.Level) {
	root.SetLevel(level)
}

// SetOutput redirects all module loggers to w.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}
