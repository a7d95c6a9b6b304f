// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrCircuitOpen is matched by every rejection from an open breaker.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrConversationNotFound is returned for unknown or expired conversations.
	ErrConversationNotFound = errors.New("conversation not found or expired")

	// ErrTokenGeneration is returned when a credential could not be generated.
	ErrTokenGeneration = errors.New("token generation failed")
)

// FailureKind classifies an error for breaker accounting and retry decisions.
type FailureKind int

const (
	// KindUnknown is any failure that matches no other kind.
	KindUnknown FailureKind = iota

	// KindNetwork is a transport failure (connection refused, reset, DNS).
	KindNetwork

	// KindTimeout is a deadline exceeded while waiting on the backend.
	KindTimeout

	// KindServerError is a 5xx-equivalent backend failure.
	KindServerError

	// KindRateLimit is a throttling response, optionally with a retry-after hint.
	KindRateLimit

	// KindAuthService is a rejected credential at the token service.
	KindAuthService

	// KindCircuitOpen is a rejection by an open breaker.
	KindCircuitOpen

	// KindNotFound is a conversation the backend or manager does not know.
	KindNotFound

	// KindTokenGeneration is a failure to obtain a credential after retries.
	KindTokenGeneration

	// KindClientError is a 4xx-equivalent request error that retrying cannot fix.
	KindClientError
)

// String returns the kebab-case name used in logs, metrics labels, and config.
func (k FailureKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServerError:
		return "server-error"
	case KindRateLimit:
		return "rate-limit"
	case KindAuthService:
		return "auth-service"
	case KindCircuitOpen:
		return "circuit-open"
	case KindNotFound:
		return "not-found"
	case KindTokenGeneration:
		return "token-generation"
	case KindClientError:
		return "client-error"
	default:
		return "unknown"
	}
}

// ParseFailureKind is the inverse of FailureKind.String.
func ParseFailureKind(s string) (FailureKind, error) {
	for k := KindUnknown; k <= KindClientError; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown failure kind %q", s)
}

// Retryable reports whether failures of this kind are transient.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServerError, KindRateLimit:
		return true
	default:
		return false
	}
}

// Error is a classified failure from a backend operation.
//
// Err is the underlying cause and is reachable through errors.Is/As.
type Error struct {
	// Kind is the failure classification.
	Kind FailureKind

	// Op names the operation that failed (e.g. "activity.list").
	Op string

	// StatusCode is the HTTP status, when the failure came from a response.
	StatusCode int

	// RetryAfter is the server's back-off hint for rate-limit failures.
	RetryAfter time.Duration

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(kind FailureKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify returns the FailureKind of err.
//
// Typed *Error values keep their kind. Otherwise deadlines map to timeout,
// transport errors to network, and the package sentinels to their kinds.
func Classify(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrConversationNotFound):
		return KindNotFound
	case errors.Is(err, ErrTokenGeneration):
		return KindTokenGeneration
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	// OpError first: it also implements net.Error.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindUnknown
}

// IsRetryable reports whether err is a transient failure worth retrying.
//
// Caller cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err).Retryable()
}

// RetryAfterHint returns the rate-limit hint carried by err, or zero.
func RetryAfterHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit {
		return e.RetryAfter
	}
	return 0
}
