// Package common provides the shared logging and failure-classification
// infrastructure used by every oipd component. Error-level output is routed
// to stderr and everything else to stdout, so container platforms can treat
// the two streams differently.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr when they carry an
// error level marker, and to stdout otherwise.
type OutputSplitter struct{}

// Write implements io.Writer over the two process streams.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Components that run long-lived loops
// should derive a tagged entry via ComponentLogger instead of logging on it
// directly.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&OutputSplitter{})
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// ConfigureLogger applies the configured level and format to the global
// logger. Unknown levels fall back to info.
func ConfigureLogger(level, format string) {
	lv, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lv = logrus.InfoLevel
	}
	Logger.SetLevel(lv)
	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// ComponentLogger returns an entry tagged with the component name.
func ComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// SecurityLogger returns an entry tagged for policy violations. Lines written
// through it are greppable via tag=SECURITY.
func SecurityLogger(component string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"component": component,
		"tag":       "SECURITY",
	})
}
