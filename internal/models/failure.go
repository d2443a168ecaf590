package models

import (
	"fmt"
	"time"
)

// FailureKind classifies why a provider call failed.
type FailureKind string

const (
	FailureTimeout              FailureKind = "timeout"
	FailureConnectionError      FailureKind = "connection_error"
	FailureRateLimited          FailureKind = "rate_limited"
	FailureTransientServerError FailureKind = "transient_server_error"
	FailureAuthError            FailureKind = "auth_error"
	FailureInvalidRequest       FailureKind = "invalid_request"
	FailureDecodeError          FailureKind = "decode_error"
	FailureCancelled            FailureKind = "cancelled"
)

// Retryable reports whether a call failing with this kind may be attempted again.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureRateLimited, FailureTransientServerError:
		return true
	default:
		return false
	}
}

// Failure is the classified error of one provider call attempt.
type Failure struct {
	Kind    FailureKind
	Message string

	// StatusCode is the upstream HTTP status, zero when no response was received.
	StatusCode int

	// RetryAfter is the provider supplied retry hint, zero when absent.
	RetryAfter time.Duration
}

// NewFailure builds a Failure with a formatted message.
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", f.Kind, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

