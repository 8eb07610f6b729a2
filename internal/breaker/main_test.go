// SPDX-License-Identifier: MIT

package breaker

import (
	"testing"

	"go.uber.org/goleak"
)

// Every Execute spawns an operation goroutine and, on slow calls, a
// drain goroutine. None of them may outlive the test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
