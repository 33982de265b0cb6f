// Package ci provides small test helpers shared across judgecore's test
// suites, mirroring hashicorp/nomad's internal ci package.
package ci

import (
	"os"
	"testing"
)

// Parallel marks t as able to run in parallel with its siblings, unless the
// JUDGECORE_NO_PARALLEL_TESTS environment variable is set — useful when
// debugging flaky interleavings locally.
func Parallel(t *testing.T) {
	t.Helper()
	if os.Getenv("JUDGECORE_NO_PARALLEL_TESTS") != "" {
		return
	}
	t.Parallel()
}
