// Package pulseerr defines the error taxonomy shared by the profile engine's
// domain packages: InvalidArgument, NotFound, Conflict, Transient, Fatal, and
// PartialDegrade, per the Core's error handling design.
//
// Each kind is a sentinel that call sites wrap with fmt.Errorf("...: %w", ...)
// and callers unwrap with errors.Is/errors.As, matching the per-package
// sentinel style used throughout this repository rather than a single
// monolithic error type.
package pulseerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap these with fmt.Errorf("%w: detail", ErrX) at the
// call site so errors.Is(err, pulseerr.ErrInvalidArgument) keeps working
// through any number of wrapping layers.
var (
	// ErrInvalidArgument marks a caller-supplied value that fails validation
	// (empty user_id, non-positive count, unknown device variant, ...).
	// No state change has occurred when this is returned.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a missing key. It is never returned from
	// get/delete — those report absence via a zero value / false return —
	// but it is used by collaborators (static profile, cold tier) whose
	// contracts are expressed as explicit lookups.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a uniqueness or optimistic-concurrency violation
	// (duplicate email/phone, stale version on update).
	ErrConflict = errors.New("conflict")

	// ErrTransient marks a retriable failure of the backing store:
	// connection, timeout, busy, loading, or overload signals.
	ErrTransient = errors.New("transient store failure")

	// ErrFatal marks a non-retriable failure: serialization corruption,
	// schema-version mismatch beyond tolerance, or a missing required store
	// primitive (e.g. no lease support).
	ErrFatal = errors.New("fatal error")

	// ErrPartialDegrade is not a failure returned to callers — it annotates
	// a successfully-returned, degraded Snapshot. Exported so aggregator
	// callers can detect the condition via the Snapshot's own Degraded flag
	// rather than by inspecting an error.
	ErrPartialDegrade = errors.New("partial degrade")
)

// Invalid wraps err as ErrInvalidArgument with additional context.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
}

// NotFound wraps err as ErrNotFound with additional context.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflict wraps err as ErrConflict with additional context.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// Transient wraps cause as ErrTransient, preserving the original error for
// classification (e.g. the reaper's substring-based retry checker).
func Transient(cause error) error {
	if cause == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %w", ErrTransient, cause)
}

// Fatal wraps cause as ErrFatal.
func Fatal(cause error) error {
	if cause == nil {
		return ErrFatal
	}
	return fmt.Errorf("%w: %w", ErrFatal, cause)
}

// IsInvalidArgument reports whether err (or any error it wraps) is ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsNotFound reports whether err (or any error it wraps) is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err (or any error it wraps) is ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransient reports whether err (or any error it wraps) is ErrTransient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsFatal reports whether err (or any error it wraps) is ErrFatal.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }
