package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"propagator/internal/core/tx"
	"propagator/pkg/logger"
)

var tracer = otel.Tracer("propagator/postgres")

// Compile-time check that TxManager implements tx.Manager interface.
var _ tx.Manager = (*TxManager)(nil)

// TxOptions configures transaction behavior.
type TxOptions struct {
	// IsolationLevel: pgx.Serializable, pgx.RepeatableRead, pgx.ReadCommitted
	IsolationLevel pgx.TxIsoLevel

	// AccessMode: pgx.ReadWrite, pgx.ReadOnly
	AccessMode pgx.TxAccessMode

	// StatementTimeout protects against long-running queries (default 30s)
	StatementTimeout time.Duration
}

// DefaultTxOptions returns production-safe defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel:   pgx.ReadCommitted,
		AccessMode:       pgx.ReadWrite,
		StatementTimeout: 30 * time.Second,
	}
}

// ParseIsolation maps a configuration value to a pgx isolation level.
func ParseIsolation(s string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read_committed", "read committed":
		return pgx.ReadCommitted, nil
	case "repeatable_read", "repeatable read":
		return pgx.RepeatableRead, nil
	case "serializable":
		return pgx.Serializable, nil
	default:
		return "", fmt.Errorf("unknown isolation level %q", s)
	}
}

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB can run queries and open transactions. *pgxpool.Pool satisfies it.
type DB interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// TxManager implements tx.Manager on top of a pgx pool.
//
// The ambient transaction lives in the context. Begin, Suspend and Resume
// return derived contexts; the caller keeps using the returned one.
type TxManager struct {
	db   DB
	opts TxOptions
}

// NewTxManager creates a new transaction manager with default options.
func NewTxManager(pool *Pool) *TxManager {
	return NewTxManagerWithOptions(pool.Pool, DefaultTxOptions())
}

// NewTxManagerWithOptions creates a transaction manager over any DB.
func NewTxManagerWithOptions(db DB, opts TxOptions) *TxManager {
	return &TxManager{db: db, opts: opts}
}

// txKey is the context key for the ambient transaction.
// A nil *Tx masks an outer one (suspended).
type txKey struct{}

// Tx wraps pgx.Tx with metadata.
type Tx struct {
	pgx.Tx
	id     string
	status atomic.Int32
}

// ID returns the transaction identifier used in logs and spans.
func (t *Tx) ID() string {
	return t.id
}

// Status returns the lifecycle status of the transaction.
func (t *Tx) Status() tx.Status {
	return tx.Status(t.status.Load())
}

func (t *Tx) setStatus(s tx.Status) {
	t.status.Store(int32(s))
}

type suspendedTx struct {
	owner   *TxManager
	tx      *Tx
	resumed atomic.Bool
}

func (s *suspendedTx) TransactionID() string {
	return s.tx.id
}

// GetTx returns the current transaction from context, or nil if none.
func (m *TxManager) GetTx(ctx context.Context) *Tx {
	if t, ok := ctx.Value(txKey{}).(*Tx); ok && t != nil {
		return t
	}
	return nil
}

// GetQuerier returns the ambient transaction while it can run statements,
// otherwise the pool. This allows repos to work both inside and outside
// transactions.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil && t.Status().Associated() {
		return t.Tx
	}
	return m.db
}

// Status returns the status of the ambient transaction.
func (m *TxManager) Status(ctx context.Context) tx.Status {
	t := m.GetTx(ctx)
	if t == nil {
		return tx.StatusNoTransaction
	}
	return t.Status()
}

// Begin opens a database transaction and makes it ambient in the returned context.
func (m *TxManager) Begin(ctx context.Context) (context.Context, error) {
	if t := m.GetTx(ctx); t != nil && t.Status().Associated() {
		return ctx, tx.ErrAlreadyActive
	}

	spanCtx, span := tracer.Start(ctx, "tx.begin",
		trace.WithAttributes(
			attribute.String("tx.isolation", string(m.opts.IsolationLevel)),
			attribute.String("tx.access_mode", string(m.opts.AccessMode)),
		))
	defer span.End()

	pgTx, err := m.db.BeginTx(spanCtx, pgx.TxOptions{
		IsoLevel:   m.opts.IsolationLevel,
		AccessMode: m.opts.AccessMode,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		return ctx, fmt.Errorf("begin transaction: %w", err)
	}

	// Set statement timeout for protection against runaway queries
	if m.opts.StatementTimeout > 0 {
		_, err = pgTx.Exec(spanCtx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", m.opts.StatementTimeout.Milliseconds()))
		if err != nil {
			_ = pgTx.Rollback(context.WithoutCancel(ctx))
			span.RecordError(err)
			span.SetStatus(codes.Error, "statement timeout")
			return ctx, fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	wrapped := &Tx{Tx: pgTx, id: uuid.NewString()}
	wrapped.setStatus(tx.StatusActive)
	span.SetAttributes(attribute.String("tx.id", wrapped.id))

	logger.Debug(ctx, "transaction started", "tx_id", wrapped.id)
	return context.WithValue(ctx, txKey{}, wrapped), nil
}

// Commit commits the ambient transaction. A rollback-only transaction is
// rolled back instead and tx.ErrMarkedRollback returned.
func (m *TxManager) Commit(ctx context.Context) error {
	t := m.GetTx(ctx)
	if t == nil {
		return tx.ErrNoTransaction
	}

	spanCtx, span := tracer.Start(ctx, "tx.commit", trace.WithAttributes(attribute.String("tx.id", t.id)))
	defer span.End()

	switch t.Status() {
	case tx.StatusActive:
	case tx.StatusMarkedRollback:
		span.AddEvent("rollback_only")
		err := tx.ErrMarkedRollback
		if rbErr := t.Tx.Rollback(spanCtx); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback transaction: %w", rbErr))
		}
		t.setStatus(tx.StatusRolledBack)
		span.SetStatus(codes.Error, "marked rollback-only")
		return err
	default:
		return fmt.Errorf("commit %s transaction: %w", t.Status(), tx.ErrInactive)
	}

	t.setStatus(tx.StatusPreparing)
	if err := t.Tx.Commit(spanCtx); err != nil {
		if errors.Is(err, pgx.ErrTxCommitRollback) {
			t.setStatus(tx.StatusRolledBack)
		} else {
			t.setStatus(tx.StatusUnknown)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return fmt.Errorf("commit transaction: %w", err)
	}

	t.setStatus(tx.StatusCommitted)
	return nil
}

// Rollback rolls back the ambient transaction.
func (m *TxManager) Rollback(ctx context.Context) error {
	t := m.GetTx(ctx)
	if t == nil {
		return tx.ErrNoTransaction
	}
	if !t.Status().Associated() {
		return fmt.Errorf("rollback %s transaction: %w", t.Status(), tx.ErrInactive)
	}

	spanCtx, span := tracer.Start(ctx, "tx.rollback", trace.WithAttributes(attribute.String("tx.id", t.id)))
	defer span.End()

	err := t.Tx.Rollback(spanCtx)
	// The server discards the transaction once the connection is released,
	// so it is never reusable after a rollback attempt.
	t.setStatus(tx.StatusRolledBack)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// SetRollbackOnly marks the ambient transaction so that it can only roll back.
func (m *TxManager) SetRollbackOnly(ctx context.Context) error {
	t := m.GetTx(ctx)
	if t == nil {
		return tx.ErrNoTransaction
	}
	if t.status.CompareAndSwap(int32(tx.StatusActive), int32(tx.StatusMarkedRollback)) {
		trace.SpanFromContext(ctx).AddEvent("tx.rollback_only", trace.WithAttributes(attribute.String("tx.id", t.id)))
		return nil
	}
	if t.Status() == tx.StatusMarkedRollback {
		return nil
	}
	return fmt.Errorf("mark %s transaction: %w", t.Status(), tx.ErrInactive)
}

// Suspend hides the ambient transaction from the returned context. The
// connection stays checked out until the transaction is resumed and finished.
func (m *TxManager) Suspend(ctx context.Context) (context.Context, tx.Suspended, error) {
	t := m.GetTx(ctx)
	if t == nil || !t.Status().Associated() {
		return ctx, nil, tx.ErrNoTransaction
	}
	trace.SpanFromContext(ctx).AddEvent("tx.suspend", trace.WithAttributes(attribute.String("tx.id", t.id)))
	return context.WithValue(ctx, txKey{}, (*Tx)(nil)), &suspendedTx{owner: m, tx: t}, nil
}

// Resume makes a suspended transaction ambient again. Each handle resumes once.
func (m *TxManager) Resume(ctx context.Context, s tx.Suspended) (context.Context, error) {
	handle, ok := s.(*suspendedTx)
	if !ok || handle.owner != m {
		return ctx, tx.ErrForeignHandle
	}
	if t := m.GetTx(ctx); t != nil && t.Status().Associated() {
		return ctx, tx.ErrAlreadyActive
	}
	if !handle.resumed.CompareAndSwap(false, true) {
		return ctx, tx.ErrAlreadyResumed
	}
	trace.SpanFromContext(ctx).AddEvent("tx.resume", trace.WithAttributes(attribute.String("tx.id", handle.tx.id)))
	return context.WithValue(ctx, txKey{}, handle.tx), nil
}
