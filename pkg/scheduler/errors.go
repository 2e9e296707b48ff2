// SPDX-License-Identifier: AGPL-3.0-only

package scheduler

import (
	"github.com/pkg/errors"

	"github.com/ordergate/ordergate/pkg/scheduler/retry"
)

var (
	// ErrRequestTimeout is returned when an attempt doesn't complete within the configured timeout.
	ErrRequestTimeout = retry.New(retry.KindTimeout, "request timed out")
	// ErrRequestCancelled is returned for requests cancelled by the caller.
	ErrRequestCancelled = retry.New(retry.KindCancelled, "request cancelled")

	ErrStopped         = errors.New("scheduler is stopped")
	ErrDuplicateID     = errors.New("a request with the same id is already queued")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrNoWork          = errors.New("no work to execute")
)

// Failure reasons used in metrics.
const (
	reasonTimeout          = "timeout"
	reasonCancelled        = "cancelled"
	reasonRetriesExhausted = "retries_exhausted"
	reasonError            = "error"
	reasonStopped          = "stopped"
)
