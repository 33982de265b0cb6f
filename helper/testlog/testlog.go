// Package testlog provides hclog.Logger constructors for tests, matching
// hashicorp/nomad's helper/testlog package.
package testlog

import (
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
)

// HCLogger returns an hclog.Logger that writes to t.Log, at a level
// controlled by the JUDGECORE_TEST_LOG_LEVEL environment variable
// (default: warn, to keep passing-test output quiet).
func HCLogger(t testing.TB) hclog.Logger {
	level := hclog.Warn
	if lvl := os.Getenv("JUDGECORE_TEST_LOG_LEVEL"); lvl != "" {
		level = hclog.LevelFromString(lvl)
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       t.Name(),
		Level:      level,
		Output:     testWriter{t},
		TimeFormat: "15:04:05.000",
	})
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", p)
	return len(p), nil
}
