// Package test holds helpers shared by the package tests.
package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that stays quiet unless TEST_LOGS is set. 2
// selects debug and 3 trace, anything else info.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	setLevel(l)
	return l
}

// NewCapture is NewLogger with a hook recording every entry, for tests that
// assert on what was logged.
func NewCapture() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	l.SetLevel(max(l.GetLevel(), logrus.DebugLevel))
	return l, logtest.NewLocal(l)
}

func setLevel(l *logrus.Logger) {
	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
}
