// Package logging provides the process-wide structured logger shared by
// the Planner, Runner, Judge, and Curator. Output is routed to
// stdout/stderr by level so container log collectors can treat the two
// streams differently.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// StreamSplitter routes formatted log lines to stderr for error, fatal, and
// panic levels, and to stdout for everything else. The substring match only
// fires for TextFormatter output (`level=error`); JSONFormatter emits
// `"level":"error"`, so under the default json format every line goes to
// stdout and collectors separate by the level field instead.
type StreamSplitter struct{}

func (StreamSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) ||
		bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte("level=panic")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New builds a component logger. format is "json" (default, production) or
// "text" (local development, forced colors).
func New(component, format, level string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(StreamSplitter{})

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return l.WithField("component", component)
}
