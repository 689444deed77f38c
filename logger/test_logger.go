package logger

import "testing"

var _ Logger = Test{}

// Test is a Logger writing through testing.T, so that log lines
// show up next to the failing test.
type Test struct{ t testing.TB }

// NewTest returns a Logger writing on the test log.
func NewTest(t testing.TB) Test {
	return Test{t: t}
}

func (t Test) log(level, msg string, fields []Field) {
	t.t.Helper()
	t.t.Logf("[%s] %s %+v", level, msg, fields)
}

// Debug implements the logger.Logger interface.
func (t Test) Debug(msg string, fields ...Field) { t.log("debug", msg, fields) }

// Info implements the logger.Logger interface.
func (t Test) Info(msg string, fields ...Field) { t.log("info", msg, fields) }

// Error implements the logger.Logger interface.
func (t Test) Error(msg string, fields ...Field) { t.log("error", msg, fields) }
