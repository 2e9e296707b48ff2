// SPDX-License-Identifier: AGPL-3.0-only

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ordergate/ordergate/pkg/priority"
)

// WorkFunc is the unit of work wrapped by a queued request, typically an upstream HTTP call.
// The context is cancelled when the attempt times out, when the caller cancels an in-flight
// request or when the scheduler stops. WorkFunc may be called again if the attempt fails
// with a retryable error, but never concurrently for the same request.
type WorkFunc func(ctx context.Context) (any, error)

// Endpoint describes the upstream call. It is only used for logging and metrics.
type Endpoint struct {
	Path   string
	Method string
}

type itemState int

const (
	statePending itemState = iota
	stateInFlight
	stateAwaitingRetry
	stateSettled
)

// item is a queued request. All fields but the immutable ones are guarded by Scheduler.mu.
type item struct {
	id         string
	priority   priority.Priority
	endpoint   Endpoint
	work       WorkFunc
	maxRetries int
	createdAt  time.Time
	seq        uint64 // Tie-break between items of the same priority.
	future     *Future

	state      itemState
	retryCount int
	heapIdx    int
	enqueuedAt time.Time // Last time the item entered the pending queue.

	// Set while in flight.
	dispatchedAt    time.Time
	ctx             context.Context
	cancel          context.CancelCauseFunc
	cancelRequested bool

	// Set while awaiting retry.
	retryTimer *clock.Timer
}

// Future is the pending result of an enqueued request. It settles exactly once.
type Future struct {
	id   string
	done chan struct{}
	once sync.Once

	value any
	err   error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID is the request id, usable with Scheduler.CancelRequest.
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the request has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome of the request. It must only be called after Done is closed.
func (f *Future) Result() (any, error) {
	return f.value, f.err
}

// Wait blocks until the request settles or ctx is done. Giving up on ctx doesn't cancel the request.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle records the outcome and reports whether this call was the one settling the future.
func (f *Future) settle(value any, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
		settled = true
	})
	return settled
}
