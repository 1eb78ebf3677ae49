package testlog

import (
	"testing"

	logs "github.com/danmuck/wanhub/internal/logging"
)

// Start configures test logging once and tags the log stream with the test name.
func Start(t testing.TB) {
	t.Helper()
	logs.ConfigureTests()
	logs.Infof("test=%s", t.Name())
}
