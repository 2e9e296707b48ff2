// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"testing"

	"go.uber.org/goleak"
)

func leakOptions() []goleak.Option {
	return []goleak.Option{
		// Keep-alive connections of the default HTTP transport are closed asynchronously.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}
}

func VerifyNoLeak(t testing.TB) {
	opts := leakOptions()

	// Run it as a cleanup function so that "last added, first called" ordering execution is guaranteed.
	t.Cleanup(func() {
		goleak.VerifyNone(t, opts...)
	})
}

// VerifyNoLeakTestMain runs the package tests and fails if goroutines are still running afterwards.
func VerifyNoLeakTestMain(m *testing.M) {
	goleak.VerifyTestMain(m, leakOptions()...)
}
