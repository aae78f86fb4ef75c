// Package tx provides transaction management abstractions.
// This package defines the port that the propagation engine drives. Concrete
// transaction managers live in infrastructure/storage.
//
// The ambient transaction is carried by context.Context: operations that change
// which transaction is associated with a call chain return the derived context.
package tx

import (
	"context"
	"errors"
)

// Errors shared by Manager implementations.
var (
	// ErrAlreadyActive is returned by Begin when a transaction is already associated.
	ErrAlreadyActive = errors.New("transaction already associated with context")

	// ErrNoTransaction is returned when an operation requires an associated transaction.
	ErrNoTransaction = errors.New("no transaction associated with context")

	// ErrMarkedRollback is returned by Commit when the transaction was marked rollback-only.
	// The transaction is rolled back before the error is returned.
	ErrMarkedRollback = errors.New("transaction marked rollback-only, rolled back")

	// ErrInactive is returned when the transaction already completed or is preparing.
	ErrInactive = errors.New("transaction is not active")

	// ErrAlreadyResumed is returned by Resume when the handle was already consumed.
	ErrAlreadyResumed = errors.New("suspended transaction already resumed")

	// ErrForeignHandle is returned by Resume when the handle was produced by another manager.
	ErrForeignHandle = errors.New("suspended transaction belongs to another manager")
)

// StatusReader is the single read point for the ambient transaction status.
type StatusReader interface {
	// Status returns the status of the transaction associated with ctx,
	// or StatusNoTransaction when there is none.
	Status(ctx context.Context) Status
}

// Suspended is an opaque capability returned by Manager.Suspend.
// It must be passed to exactly one Manager.Resume call.
type Suspended interface {
	// TransactionID identifies the detached transaction (for logs only).
	TransactionID() string
}

// Manager defines the contract for transaction management.
// Implementations handle BEGIN, COMMIT, ROLLBACK, rollback-only marking and
// detaching/reattaching the ambient transaction.
//
// Domain code depends on this interface, not concrete implementations.
type Manager interface {
	StatusReader

	// Begin starts a transaction and returns a context carrying it.
	// Fails with ErrAlreadyActive if ctx already carries a transaction.
	Begin(ctx context.Context) (context.Context, error)

	// Commit commits the transaction carried by ctx.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction carried by ctx.
	Rollback(ctx context.Context) error

	// SetRollbackOnly marks the transaction carried by ctx so it can only roll back.
	SetRollbackOnly(ctx context.Context) error

	// Suspend detaches the transaction carried by ctx. The returned context
	// carries no transaction. Fails with ErrNoTransaction if there is none.
	Suspend(ctx context.Context) (context.Context, Suspended, error)

	// Resume reattaches a suspended transaction and returns a context carrying it.
	Resume(ctx context.Context, s Suspended) (context.Context, error)
}
