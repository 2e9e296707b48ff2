// SPDX-License-Identifier: AGPL-3.0-only

// Package retry decides whether a failed outbound call is attempted again and after how long.
package retry

import (
	"time"
)

// maxBackoffShift keeps the exponential backoff from overflowing time.Duration.
const maxBackoffShift = 30

// Attempt describes where an item stands in its retry budget.
type Attempt struct {
	// RetryCount is the number of retries already scheduled for the item.
	RetryCount int
	MaxRetries int
}

type Policy struct {
	// RetryDelay is the base delay. Quota rejections wait twice this long,
	// other failures back off exponentially from it.
	RetryDelay time.Duration

	// MaxDelay caps the computed delay. Zero disables the cap.
	MaxDelay time.Duration
}

// ShouldRetry reports whether an item that failed with err gets another attempt.
// Cancellations, timeouts and unclassified errors are terminal, and so is any item
// that already used its whole budget.
func (p Policy) ShouldRetry(a Attempt, err error) bool {
	if err == nil || a.RetryCount >= a.MaxRetries {
		return false
	}
	return KindOf(err).Retryable()
}

// NextDelay returns how long to wait before re-queueing an item that failed with err.
// a.RetryCount must already include the retry being scheduled, so the first retry of a
// transient failure waits RetryDelay, the second 2*RetryDelay and so on. Quota rejections
// always wait a flat 2*RetryDelay: the upstream window has just been used up and a
// single back-off is enough for it to reset.
func (p Policy) NextDelay(a Attempt, err error) time.Duration {
	var d time.Duration
	if KindOf(err) == KindRateLimited {
		d = 2 * p.RetryDelay
	} else {
		shift := max(a.RetryCount-1, 0)
		shift = min(shift, maxBackoffShift)
		d = p.RetryDelay << shift
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
