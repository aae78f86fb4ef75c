package propagation

import (
	"context"
	"errors"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"propagator/internal/core/tx"
	"propagator/pkg/logger"
)

var defaultTracer = otel.Tracer("propagator/propagation")

// errExited replaces the callback outcome when it left through runtime.Goexit.
var errExited = errors.New("callback exited without returning")

// Invocation states, recorded as span events.
const (
	statePreconditionChecked = "precondition_checked"
	statePreActed            = "pre_acted"
	stateCallbackRunning     = "callback_running"
	stateSucceeded           = "succeeded"
	stateFailed              = "failed"
	statePostActed           = "post_acted"
	stateResumed             = "resumed"
)

// Runner runs a callback under a propagation mode.
// *Engine is the implementation; consumers should depend on this interface.
type Runner interface {
	Run(ctx context.Context, mode Mode, fn func(ctx context.Context) error) error
}

var _ Runner = (*Engine)(nil)

// Engine executes callbacks under a propagation mode against a tx.Manager.
// It holds no per-call state and is safe for concurrent use.
type Engine struct {
	manager tx.Manager
	status  tx.StatusReader
	log     *logger.Logger
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithStatusReader overrides where the ambient status is read from.
// By default the manager itself is used.
func WithStatusReader(r tx.StatusReader) Option {
	return func(e *Engine) {
		e.status = r
	}
}

// WithLogger sets the engine logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) {
		e.log = log.WithComponent("propagation")
	}
}

// WithTracer sets the tracer used for invocation spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// New creates an engine driving manager.
func New(manager tx.Manager, opts ...Option) *Engine {
	e := &Engine{
		manager: manager,
		status:  manager,
		tracer:  defaultTracer,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Default().WithComponent("propagation")
	}
	return e
}

// Manager returns the transaction manager driven by the engine.
func (e *Engine) Manager() tx.Manager {
	return e.manager
}

// Run executes fn under mode.
func (e *Engine) Run(ctx context.Context, mode Mode, fn func(ctx context.Context) error) error {
	return e.execute(ctx, mode, fn)
}

// Mandatory runs fn in the ambient transaction; fails if there is none.
func (e *Engine) Mandatory(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.execute(ctx, ModeMandatory, fn)
}

// Never runs fn without a transaction; fails if one exists.
func (e *Engine) Never(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.execute(ctx, ModeNever, fn)
}

// NotSupported runs fn without a transaction, suspending the ambient one.
func (e *Engine) NotSupported(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.execute(ctx, ModeNotSupported, fn)
}

// Required runs fn in the ambient transaction, or in a new one if there is none.
func (e *Engine) Required(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.execute(ctx, ModeRequired, fn)
}

// RequiresNew runs fn in a new transaction, suspending the ambient one.
func (e *Engine) RequiresNew(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.execute(ctx, ModeRequiresNew, fn)
}

// Supports runs fn in the ambient transaction if there is one.
func (e *Engine) Supports(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.execute(ctx, ModeSupports, fn)
}

// execute is the single pass shared by every entry point:
// precondition, pre-actions, callback, post-actions, resume.
func (e *Engine) execute(ctx context.Context, mode Mode, fn func(ctx context.Context) error) (err error) {
	ctx, span := e.tracer.Start(ctx, "propagation."+mode.String(),
		trace.WithAttributes(attribute.String("propagation.mode", mode.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	status := e.status.Status(ctx)
	span.SetAttributes(attribute.String("tx.status.initial", status.String()))

	plan, err := Resolve(mode, status)
	if err != nil {
		e.log.WithContext(ctx).Debugw("propagation rejected", "mode", mode, "status", status)
		return err
	}
	span.AddEvent(statePreconditionChecked)

	inv := &invocation{engine: e, plan: plan, span: span}

	// The final error is assembled once every deferred cleanup has run.
	defer func() {
		err = inv.result(ctx)
	}()

	callCtx := ctx
	if plan.Suspend {
		detached, suspended, serr := e.manager.Suspend(ctx)
		if serr != nil {
			inv.cause = &ManagerError{Action: ActionSuspend, Err: serr}
			return nil
		}
		callCtx = detached

		// Paired with the suspend above on every exit path, including
		// a failing begin and a panicking callback.
		defer inv.resume(detached, suspended)
	}

	if plan.Begin {
		began, berr := e.manager.Begin(callCtx)
		if berr != nil {
			inv.cause = &ManagerError{Action: ActionBegin, Err: berr}
			return nil
		}
		callCtx = began
	}
	span.AddEvent(statePreActed)

	e.log.WithContext(ctx).Debugw("propagation started",
		"mode", mode,
		"status", status,
		"suspend", plan.Suspend,
		"begin", plan.Begin,
	)

	inv.call(callCtx, fn)
	return nil
}

// invocation carries the outcome of one engine pass.
type invocation struct {
	engine *Engine
	plan   Plan
	span   trace.Span

	cause     error // callback or pre-action failure
	cleanup   error // post-action failures, combined with multierr
	panicking bool
}

// call runs fn exactly once and then exactly one post-action list.
func (inv *invocation) call(ctx context.Context, fn func(ctx context.Context) error) {
	returned := false
	defer func() {
		if returned {
			return
		}
		// fn panicked or called runtime.Goexit: treat as failure, clean up,
		// then let the unwinding continue.
		v := recover()
		if v != nil {
			inv.panicking = true
			inv.cause = &PanicError{Value: v}
			inv.engine.log.WithContext(ctx).Errorw("callback panicked",
				"mode", inv.plan.Mode,
				"panic", v,
				"stack", string(debug.Stack()),
			)
		} else {
			inv.cause = errExited
		}
		inv.span.AddEvent(stateFailed)
		inv.postAct(ctx, inv.plan.OnFailure)
		if v != nil {
			panic(v)
		}
	}()

	inv.span.AddEvent(stateCallbackRunning)
	err := fn(ctx)
	returned = true

	// A callback that ignored cancellation still must not commit.
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil {
		inv.cause = err
		inv.span.AddEvent(stateFailed)
		inv.postAct(ctx, inv.plan.OnFailure)
		return
	}

	inv.span.AddEvent(stateSucceeded)
	inv.postAct(ctx, inv.plan.OnSuccess)
}

// postAct runs commit/rollback/rollback-only actions. Resume is owned by the
// deferred guard in execute and skipped here.
func (inv *invocation) postAct(ctx context.Context, actions []Action) {
	m := inv.engine.manager
	cleanupCtx := context.WithoutCancel(ctx)

	for _, action := range actions {
		var err error
		switch action {
		case ActionCommit:
			err = m.Commit(cleanupCtx)
		case ActionRollback:
			err = m.Rollback(cleanupCtx)
		case ActionSetRollbackOnly:
			err = m.SetRollbackOnly(cleanupCtx)
		default:
			continue
		}
		if err != nil {
			inv.addCleanup(ctx, action, err)
		}
	}
	inv.span.AddEvent(statePostActed)
}

func (inv *invocation) resume(ctx context.Context, suspended tx.Suspended) {
	if _, err := inv.engine.manager.Resume(context.WithoutCancel(ctx), suspended); err != nil {
		inv.addCleanup(ctx, ActionResume, err)
		return
	}
	inv.span.AddEvent(stateResumed)
}

func (inv *invocation) addCleanup(ctx context.Context, action Action, err error) {
	inv.cleanup = multierr.Append(inv.cleanup, &CleanupError{Action: action, Err: err})
	inv.engine.log.WithContext(ctx).Warnw("transaction cleanup failed",
		"mode", inv.plan.Mode,
		"action", action,
		"error", err,
		"cause", inv.cause,
	)
}

func (inv *invocation) result(ctx context.Context) error {
	if inv.panicking {
		if inv.cleanup == nil {
			// The original panic keeps unwinding.
			return inv.cause
		}
		inv.engine.log.WithContext(ctx).Errorw("cleanup failed while callback panicked",
			"mode", inv.plan.Mode,
			"error", inv.cleanup,
		)
		// Replaces the in-flight panic so the cleanup failures reach the
		// recovering caller along with the original value.
		panic(&AggregatedError{Cause: inv.cause, Cleanup: inv.cleanup})
	}
	return aggregate(inv.cause, inv.cleanup)
}
