// Package fslog provides the object-scoped logging calling convention used
// throughout this daemon: every call takes the thing being logged about
// first, the way rclone's fs.Debugf/Infof/Errorf do.
package fslog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel parses a level name (debug, info, warn, error) and applies it.
// Unknown names are silently treated as "info", matching the forgiving
// style of the teacher's own option parsing.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	std.SetLevel(lvl)
}

func entry(o interface{}) *logrus.Entry {
	if o == nil {
		return std.WithField("src", "-")
	}
	return std.WithField("src", fmt.Sprintf("%v", o))
}

// Debugf logs at debug level about object o.
func Debugf(o interface{}, format string, args ...interface{}) {
	entry(o).Debugf(format, args...)
}

// Infof logs at info level about object o.
func Infof(o interface{}, format string, args ...interface{}) {
	entry(o).Infof(format, args...)
}

// Warnf logs at warning level about object o.
func Warnf(o interface{}, format string, args ...interface{}) {
	entry(o).Warnf(format, args...)
}

// Errorf logs at error level about object o.
func Errorf(o interface{}, format string, args ...interface{}) {
	entry(o).Errorf(format, args...)
}

// Fatalf logs at fatal level about object o and aborts the process. Reserved
// for invariant violations the spec calls unrecoverable (lock failure, a
// corrupted registry on shutdown) — a held lock cannot be released by a
// dead goroutine, so continuing is unsafe.
func Fatalf(o interface{}, format string, args ...interface{}) {
	entry(o).Fatalf(format, args...)
}
