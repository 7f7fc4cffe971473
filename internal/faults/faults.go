// Package faults defines the error taxonomy shared by the resilience layer,
// the task queue and the pipeline runner. Errors carry a machine-readable
// kind so retry decisions never depend on message strings.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindValidation     Kind = "VALIDATION"      // semantic precondition failed, never retried
	KindTransientIO    Kind = "TRANSIENT_IO"    // network/timeout/upstream 5xx, retryable
	KindBreakerOpen    Kind = "BREAKER_OPEN"    // circuit breaker shorted the call
	KindBudgetExceeded Kind = "BUDGET_EXCEEDED" // per-item cost budget overrun
	KindChainIntegrity Kind = "CHAIN_INTEGRITY" // audit chain linkage broken
	KindProofMismatch  Kind = "PROOF_MISMATCH"  // decision proof hash does not verify
	KindCancelled      Kind = "CANCELLED"       // cooperative cancellation observed
	KindInternal       Kind = "INTERNAL"        // programming defect, never retried
)

// Fault is an error with an attached kind. The reason is the human-readable
// half of the contract; the kind is the machine-readable half.
type Fault struct {
	Kind   Kind
	Reason string
	Err    error // optional wrapped cause
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault with the given kind and reason.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error, reason string) *Fault {
	return &Fault{Kind: kind, Reason: reason, Err: err}
}

// Validation builds a non-retryable precondition failure.
func Validation(format string, args ...interface{}) *Fault {
	return New(KindValidation, format, args...)
}

// Transient builds a retryable I/O failure.
func Transient(format string, args ...interface{}) *Fault {
	return New(KindTransientIO, format, args...)
}

// Internal builds a bug-class error.
func Internal(format string, args ...interface{}) *Fault {
	return New(KindInternal, format, args...)
}

// KindOf extracts the kind from any error. Context cancellation and deadline
// errors map to CANCELLED and TRANSIENT_IO respectively; plain network errors
// map to TRANSIENT_IO; everything else is INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientIO
	}
	return KindInternal
}

// Retryable reports whether the resilience layer may retry after this error.
// Deadline expiry counts as transient; explicit cancellation does not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientIO, KindBreakerOpen:
		return true
	default:
		return false
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
