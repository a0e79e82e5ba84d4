// Package testutil holds helpers shared by the package test suites.
package testutil

import (
	"runtime"
	"testing"
	"time"
)

// LeakCheck snapshots the goroutine count and returns a function that fails
// the test if the count has grown past slack when called. Components that own
// background goroutines (reconnect loops, sweepers, read pumps) must be shut
// down before the returned check runs.
func LeakCheck(t *testing.T, slack int) func() {
	t.Helper()

	// Let goroutines from earlier tests settle before taking the baseline.
	time.Sleep(200 * time.Millisecond)
	before := runtime.NumGoroutine()

	return func() {
		t.Helper()

		// Retry a few times: shutdown is asynchronous and goroutines may
		// still be unwinding when the check starts.
		deadline := time.Now().Add(2 * time.Second)
		var after int
		for {
			after = runtime.NumGoroutine()
			if after <= before+slack || time.Now().After(deadline) {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}

		if after > before+slack {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			t.Errorf("goroutine leak: %d before, %d after (slack %d)\n%s",
				before, after, slack, buf[:n])
		}
	}
}
