// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a failure for the purpose of retrying it.
type Kind int

const (
	// KindUnknown failures are terminal and returned to the caller as they are.
	KindUnknown Kind = iota
	// KindRateLimited means the upstream explicitly rejected the call because its quota is exhausted.
	KindRateLimited
	// KindTransient covers network failures and other signals worth a later attempt.
	KindTransient
	// KindTimeout is the local execution timeout. It is terminal.
	KindTimeout
	// KindCancelled means the caller cancelled the request. It is terminal.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind may be attempted again.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// Error attaches a Kind to an error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind with msg as message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// WithKind marks err with kind. It returns nil if err is nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// RateLimited marks err as an upstream quota rejection.
func RateLimited(err error) error {
	return WithKind(KindRateLimited, err)
}

// Transient marks err as a transient failure.
func Transient(err error) error {
	return WithKind(KindTransient, err)
}

var (
	rateLimitedSignals = []string{"rate limit exceeded", "too many requests"}
	transientSignals   = []string{
		"rate limit", "429",
		"network", "timeout", "timed out", "deadline exceeded",
		"connection reset", "connection refused", "broken pipe", "eof",
		"temporarily unavailable", "502", "503", "504",
	}
)

// KindOf returns the kind of err. Errors marked with an explicit Kind win, then network
// errors are transient, and anything else is classified from its message.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var kindErr *Error
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return kindFromMessage(err.Error())
}

func kindFromMessage(msg string) Kind {
	msg = strings.ToLower(msg)

	for _, s := range rateLimitedSignals {
		if strings.Contains(msg, s) {
			return KindRateLimited
		}
	}
	for _, s := range transientSignals {
		if strings.Contains(msg, s) {
			return KindTransient
		}
	}
	return KindUnknown
}
