package propagation

import "context"

// Run executes fn under mode and returns its value.
// On error the zero value of R is returned.
func Run[R any](ctx context.Context, e *Engine, mode Mode, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := e.execute(ctx, mode, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

// Mandatory runs fn in the ambient transaction. If fn fails the transaction
// is marked rollback-only. Fails with *PreconditionError if there is no active
// transaction.
func Mandatory[R any](ctx context.Context, e *Engine, fn func(ctx context.Context) (R, error)) (R, error) {
	return Run(ctx, e, ModeMandatory, fn)
}

// Never runs fn without a transaction. Fails with *PreconditionError if the
// status is anything other than no transaction.
func Never[R any](ctx context.Context, e *Engine, fn func(ctx context.Context) (R, error)) (R, error) {
	return Run(ctx, e, ModeNever, fn)
}

// NotSupported runs fn without a transaction, suspending the ambient one and
// resuming it afterwards whatever the outcome.
func NotSupported[R any](ctx context.Context, e *Engine, fn func(ctx context.Context) (R, error)) (R, error) {
	return Run(ctx, e, ModeNotSupported, fn)
}

// Required joins the ambient transaction or begins a new one. A transaction
// begun here is committed on success and rolled back on failure; a joined one
// is marked rollback-only on failure.
func Required[R any](ctx context.Context, e *Engine, fn func(ctx context.Context) (R, error)) (R, error) {
	return Run(ctx, e, ModeRequired, fn)
}

// RequiresNew always runs fn in a new transaction. The ambient transaction, if
// any, is suspended first and resumed after the new one completes.
func RequiresNew[R any](ctx context.Context, e *Engine, fn func(ctx context.Context) (R, error)) (R, error) {
	return Run(ctx, e, ModeRequiresNew, fn)
}

// Supports joins the ambient transaction if there is one, otherwise runs fn
// without a transaction.
func Supports[R any](ctx context.Context, e *Engine, fn func(ctx context.Context) (R, error)) (R, error) {
	return Run(ctx, e, ModeSupports, fn)
}
