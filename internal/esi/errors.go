// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package esi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/astraldock/astraldock/internal/health"
)

// ErrorKind classifies a failed remote call for retry and health decisions.
type ErrorKind int

const (
	// KindTimeout is a request that exceeded its deadline.
	KindTimeout ErrorKind = iota
	// KindConnectionFailed is a dial or transport-level failure.
	KindConnectionFailed
	// KindRemoteUnavailable is a 502, 503, or 504 from the remote edge.
	KindRemoteUnavailable
	// KindRateLimited is a 420 or 429: the error budget ran out remotely.
	KindRateLimited
	// KindRejected is any other remote-side 4xx or 5xx. The remote is up
	// and made a decision; these are not retried.
	KindRejected
	// KindUnauthorized is a 401/403 after token invalidation did not help.
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionFailed:
		return "connection_failed"
	case KindRemoteUnavailable:
		return "remote_unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindRejected:
		return "rejected"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// TransportError is a failed remote call with its classification attached.
type TransportError struct {
	Kind       ErrorKind
	StatusCode int // zero when the failure happened below HTTP
	Endpoint   string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("esi %s: status %d (%s)", e.Endpoint, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("esi %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *TransportError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnectionFailed, KindRemoteUnavailable:
		return true
	default:
		return false
	}
}

// healthOutcome maps the classification onto the health monitor's alphabet.
// Remote-side rejections count as Success: the remote answered.
func (e *TransportError) healthOutcome() health.Outcome {
	switch e.Kind {
	case KindRemoteUnavailable:
		return health.RemoteUnavailable
	case KindTimeout, KindConnectionFailed:
		return health.TransientFailure
	default:
		return health.Success
	}
}

// RateLimitError is a remote rate limit rejection with its advertised
// backoff.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("remote rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// classifyNetworkError turns a transport-level error into an ErrorKind.
func classifyNetworkError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnectionFailed
}

// classifyStatus turns a non-2xx HTTP status into an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch status {
	case 420, 429:
		return KindRateLimited
	case 502, 503, 504:
		return KindRemoteUnavailable
	case 401, 403:
		return KindUnauthorized
	default:
		return KindRejected
	}
}
