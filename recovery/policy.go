// Package recovery classifies compression failures and proposes either a
// single safe retry or a permanent fallback to uncompressed upload.
package recovery

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Class buckets an observed failure for retry decisions.
type Class string

const (
	// ClassUnavailable covers failures before dispatch: gate disabled,
	// invalid file, modules failed to load. Never retried.
	ClassUnavailable Class = "unavailable"

	// ClassTimeout covers deadline expiry, caller- or worker-side.
	// Retryable exactly once with a relaxed limit.
	ClassTimeout Class = "timeout"

	// ClassWorkerFailure covers every other worker-reported error.
	// Non-retryable; triggers fallback.
	ClassWorkerFailure Class = "worker_failure"

	// ClassCancelled is a user cancellation. Terminal, no error surfaced.
	ClassCancelled Class = "cancelled"
)

// ErrUnavailable marks pre-dispatch failures.
var ErrUnavailable = errors.New("compression unavailable")

// Classify buckets an error by signal pattern. Timeout detection is
// deliberately string-tolerant: the worker reports its own deadlines as
// free-form messages ("timeout exceeded").
func Classify(err error) Class {
	if err == nil {
		return ClassWorkerFailure
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, ErrUnavailable) {
		return ClassUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline"):
		return ClassTimeout
	case strings.Contains(msg, "cancel"):
		return ClassCancelled
	default:
		return ClassWorkerFailure
	}
}

// Decision is the policy's answer for one failure.
type Decision struct {
	Class Class

	// Retry asks the orchestrator to re-dispatch the same job once with
	// Timeout applied. The orchestrator caps total retries per job at
	// one regardless of what this policy answers.
	Retry   bool
	Timeout time.Duration

	// Fallback tells the caller to upload the original file uncompressed.
	Fallback bool
}

// Policy maps failure classes to decisions. Only the timeout class is
// retryable; a single conservative rule avoids unbounded retry loops.
type Policy struct {
	// RetryTimeout is the relaxed deadline applied on the one retry.
	RetryTimeout time.Duration
}

func NewPolicy() *Policy {
	return &Policy{RetryTimeout: 60 * time.Second}
}

// Handle decides what to do about a failure.
func (p *Policy) Handle(err error) Decision {
	class := Classify(err)

	switch class {
	case ClassTimeout:
		return Decision{Class: class, Retry: true, Timeout: p.RetryTimeout}
	case ClassCancelled:
		return Decision{Class: class}
	default:
		return Decision{Class: class, Fallback: true}
	}
}
