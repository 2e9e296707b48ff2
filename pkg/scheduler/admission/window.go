// SPDX-License-Identifier: AGPL-3.0-only

// Package admission decides when the next outbound request may leave the process.
//
// Two independent limits apply. A counting window allows at most BurstLimit dispatches
// per second, and a minimum spacing of 1s/RequestsPerSecond is enforced between any two
// consecutive dispatches, so that even a permitted burst is smoothed out.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const windowPeriod = time.Second

// Snapshot is a point-in-time copy of the window state.
type Snapshot struct {
	WindowStart     time.Time
	RequestCount    int
	LastRequestTime time.Time
}

// Window tracks dispatches in the current one-second window and the time of the last dispatch.
//
// Delay and Admit are meant to be called from a single admission loop. The mutex only
// protects Snapshot readers.
type Window struct {
	clock       clock.Clock
	burstLimit  int
	minInterval time.Duration

	mu              sync.Mutex
	windowStart     time.Time
	requestCount    int
	lastRequestTime time.Time
}

// New returns a Window admitting at most burstLimit requests per second, spaced at least
// 1s/requestsPerSecond apart.
func New(requestsPerSecond, burstLimit int, clk clock.Clock) (*Window, error) {
	if requestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests per second must be positive, got %d", requestsPerSecond)
	}
	if burstLimit <= 0 {
		return nil, fmt.Errorf("burst limit must be positive, got %d", burstLimit)
	}
	if clk == nil {
		clk = clock.New()
	}

	// Rounded up, so that requestsPerSecond intervals never add up to less than a window.
	rps := time.Duration(requestsPerSecond)
	return &Window{
		clock:       clk,
		burstLimit:  burstLimit,
		minInterval: (windowPeriod + rps - 1) / rps,
	}, nil
}

// MinInterval is the minimum spacing between two dispatches.
func (w *Window) MinInterval() time.Duration {
	return w.minInterval
}

// Delay returns how long a dispatch attempted at now has to wait. It doesn't modify the window.
func (w *Window) Delay(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	start, count := w.windowStart, w.requestCount
	if now.Sub(start) >= windowPeriod {
		start, count = now, 0
	}

	at := now
	if count >= w.burstLimit {
		if remaining := windowPeriod - now.Sub(start); remaining > 0 {
			at = now.Add(remaining)
		}
	}

	if !w.lastRequestTime.IsZero() {
		if gap := at.Sub(w.lastRequestTime); gap < w.minInterval {
			at = at.Add(w.minInterval - gap)
		}
	}

	return at.Sub(now)
}

// Admit records a dispatch at now. Callers must have waited for Delay(now) to reach zero.
func (w *Window) Admit(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.windowStart) >= windowPeriod || w.requestCount >= w.burstLimit {
		w.windowStart = now
		w.requestCount = 0
	}

	w.lastRequestTime = now
	w.requestCount++
}

// Await blocks until a dispatch would be admitted, without recording it. It returns the
// time spent waiting.
func (w *Window) Await(ctx context.Context) (time.Duration, error) {
	started := w.clock.Now()

	for {
		delay := w.Delay(w.clock.Now())
		if delay <= 0 {
			return w.clock.Since(started), nil
		}

		t := w.clock.Timer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return w.clock.Since(started), ctx.Err()
		}
	}
}

// AwaitAdmission blocks until a dispatch is legal and records it.
func (w *Window) AwaitAdmission(ctx context.Context) (time.Duration, error) {
	waited, err := w.Await(ctx)
	if err != nil {
		return waited, err
	}
	w.Admit(w.clock.Now())
	return waited, nil
}

func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Snapshot{
		WindowStart:     w.windowStart,
		RequestCount:    w.requestCount,
		LastRequestTime: w.lastRequestTime,
	}
}
