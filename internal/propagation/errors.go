package propagation

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"propagator/internal/core/tx"
)

// ErrInvalidMode is returned for a Mode value outside the defined set.
var ErrInvalidMode = errors.New("invalid propagation mode")

// ErrPrecondition matches every *PreconditionError via errors.Is.
var ErrPrecondition = errors.New("propagation precondition violated")

// PreconditionError reports that the ambient status is incompatible with the
// requested mode. It is returned before anything touches the transaction.
type PreconditionError struct {
	Mode   Mode
	Status tx.Status
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("propagation %s not allowed with transaction status %s", e.Mode, e.Status)
}

// Is makes errors.Is(err, ErrPrecondition) true.
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// ManagerError reports a failed pre-action (suspend or begin). The callback
// did not run.
type ManagerError struct {
	Action Action
	Err    error
}

func (e *ManagerError) Error() string {
	return fmt.Sprintf("%s transaction: %v", e.Action, e.Err)
}

func (e *ManagerError) Unwrap() error {
	return e.Err
}

// CleanupError reports a failed post-action: commit, rollback, rollback-only
// marking or resume.
type CleanupError struct {
	Action Action
	Err    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%s transaction: %v", e.Action, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// AggregatedError carries the callback (or pre-action) error together with
// the cleanup failures that happened while handling it. Cause is the primary
// error; Cleanup holds one or more *CleanupError combined with multierr.
type AggregatedError struct {
	Cause   error
	Cleanup error
}

func (e *AggregatedError) Error() string {
	return fmt.Sprintf("%v (cleanup failed: %v)", e.Cause, e.Cleanup)
}

// Unwrap exposes the cause first, then every cleanup error.
func (e *AggregatedError) Unwrap() []error {
	return append([]error{e.Cause}, multierr.Errors(e.Cleanup)...)
}

// CleanupErrors returns the individual cleanup failures.
func (e *AggregatedError) CleanupErrors() []error {
	return multierr.Errors(e.Cleanup)
}

// PanicError stands in for a panicking callback while cleanup runs. When
// cleanup succeeds the engine re-panics with the original value. When it
// fails the engine re-panics with an *AggregatedError whose Cause is the
// PanicError.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// aggregate combines a primary error with cleanup failures.
// Cleanup alone becomes the sole error.
func aggregate(cause, cleanup error) error {
	switch {
	case cleanup == nil:
		return cause
	case cause == nil:
		return cleanup
	default:
		return &AggregatedError{Cause: cause, Cleanup: cleanup}
	}
}

// Cleanups returns every *CleanupError in err's tree, depth first. Nested
// engine calls can contribute more than one.
func Cleanups(err error) []*CleanupError {
	var out []*CleanupError
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if ce, ok := err.(*CleanupError); ok {
			out = append(out, ce)
			return
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				walk(e)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return out
}
