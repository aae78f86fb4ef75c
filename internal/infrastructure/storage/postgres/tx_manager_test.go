package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propagator/internal/core/tx"
	"propagator/internal/propagation"
	"propagator/pkg/logger"
)

// fakeTx records calls; unimplemented pgx.Tx methods panic via the nil embed.
type fakeTx struct {
	pgx.Tx
	db *fakeDB

	commitErr   error
	rollbackErr error
	execErr     error
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.db.log("tx.exec:" + sql)
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.db.log("commit")
	return t.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	t.db.log("rollback")
	return t.rollbackErr
}

// fakeDB is a DB that hands out fakeTx values.
type fakeDB struct {
	mu       sync.Mutex
	calls    []string
	lastArgs []any
	beginErr error
	next     *fakeTx
}

func (d *fakeDB) log(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDB) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.log("pool.exec:" + sql)
	d.mu.Lock()
	d.lastArgs = args
	d.mu.Unlock()
	return pgconn.NewCommandTag("UPDATE 2"), nil
}

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (d *fakeDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	d.log("begin")
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	t := d.next
	if t == nil {
		t = &fakeTx{}
	}
	d.next = nil
	t.db = d
	return t, nil
}

func newTestManager(db *fakeDB) *TxManager {
	opts := DefaultTxOptions()
	opts.StatementTimeout = 0
	return NewTxManagerWithOptions(db, opts)
}

func TestTxManager_BeginCommit(t *testing.T) {
	db := &fakeDB{}
	m := newTestManager(db)
	ctx := context.Background()

	assert.Equal(t, tx.StatusNoTransaction, m.Status(ctx))

	txCtx, err := m.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, tx.StatusActive, m.Status(txCtx))
	assert.Equal(t, tx.StatusNoTransaction, m.Status(ctx), "parent context is untouched")
	assert.NotEmpty(t, m.GetTx(txCtx).ID())

	_, err = m.Begin(txCtx)
	assert.ErrorIs(t, err, tx.ErrAlreadyActive)

	require.NoError(t, m.Commit(txCtx))
	assert.Equal(t, tx.StatusCommitted, m.Status(txCtx))
	assert.Equal(t, []string{"begin", "commit"}, db.Calls())

	assert.ErrorIs(t, m.Commit(txCtx), tx.ErrInactive)
	assert.ErrorIs(t, m.Rollback(txCtx), tx.ErrInactive)
}

func TestTxManager_BeginSetsStatementTimeout(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerWithOptions(db, DefaultTxOptions())

	_, err := m.Begin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"begin", "tx.exec:SET LOCAL statement_timeout = '30000ms'"}, db.Calls())
}

func TestTxManager_StatementTimeoutFailureRollsBack(t *testing.T) {
	boom := errors.New("boom")
	db := &fakeDB{next: &fakeTx{execErr: boom}}
	m := NewTxManagerWithOptions(db, DefaultTxOptions())

	ctx := context.Background()
	txCtx, err := m.Begin(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ctx, txCtx)
	assert.Equal(t, "rollback", db.Calls()[2])
}

func TestTxManager_BeginFailure(t *testing.T) {
	boom := errors.New("connection refused")
	m := newTestManager(&fakeDB{beginErr: boom})

	ctx := context.Background()
	txCtx, err := m.Begin(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, tx.StatusNoTransaction, m.Status(txCtx))
}

func TestTxManager_CommitMarkedRollsBack(t *testing.T) {
	db := &fakeDB{}
	m := newTestManager(db)

	txCtx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.SetRollbackOnly(txCtx))
	require.NoError(t, m.SetRollbackOnly(txCtx), "marking twice is harmless")
	assert.Equal(t, tx.StatusMarkedRollback, m.Status(txCtx))

	err = m.Commit(txCtx)
	assert.ErrorIs(t, err, tx.ErrMarkedRollback)
	assert.Equal(t, tx.StatusRolledBack, m.Status(txCtx))
	assert.Equal(t, []string{"begin", "rollback"}, db.Calls())
}

func TestTxManager_CommitFailureStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status tx.Status
	}{
		{name: "server rolled back", err: pgx.ErrTxCommitRollback, status: tx.StatusRolledBack},
		{name: "connection lost", err: errors.New("conn closed"), status: tx.StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{next: &fakeTx{commitErr: tt.err}}
			m := newTestManager(db)

			txCtx, err := m.Begin(context.Background())
			require.NoError(t, err)

			err = m.Commit(txCtx)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.status, m.Status(txCtx))
		})
	}
}

func TestTxManager_Rollback(t *testing.T) {
	boom := errors.New("boom")
	db := &fakeDB{next: &fakeTx{rollbackErr: boom}}
	m := newTestManager(db)

	assert.ErrorIs(t, m.Rollback(context.Background()), tx.ErrNoTransaction)

	txCtx, err := m.Begin(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, m.Rollback(txCtx), boom)
	assert.Equal(t, tx.StatusRolledBack, m.Status(txCtx))
	assert.ErrorIs(t, m.SetRollbackOnly(txCtx), tx.ErrInactive)
}

func TestTxManager_SuspendResume(t *testing.T) {
	db := &fakeDB{}
	m := newTestManager(db)

	_, _, err := m.Suspend(context.Background())
	assert.ErrorIs(t, err, tx.ErrNoTransaction)

	txCtx, err := m.Begin(context.Background())
	require.NoError(t, err)
	outer := m.GetTx(txCtx)

	plain, handle, err := m.Suspend(txCtx)
	require.NoError(t, err)
	assert.Equal(t, outer.ID(), handle.TransactionID())
	assert.Equal(t, tx.StatusNoTransaction, m.Status(plain))
	assert.Same(t, db, m.GetQuerier(plain), "suspended context queries the pool")

	// A new transaction can begin while the outer one is suspended.
	innerCtx, err := m.Begin(plain)
	require.NoError(t, err)
	_, err = m.Resume(innerCtx, handle)
	assert.ErrorIs(t, err, tx.ErrAlreadyActive)
	require.NoError(t, m.Commit(innerCtx))

	resumed, err := m.Resume(plain, handle)
	require.NoError(t, err)
	assert.Same(t, outer, m.GetTx(resumed))
	assert.Equal(t, tx.StatusActive, m.Status(resumed))

	_, err = m.Resume(plain, handle)
	assert.ErrorIs(t, err, tx.ErrAlreadyResumed)

	other := newTestManager(&fakeDB{})
	_, err = other.Resume(plain, handle)
	assert.ErrorIs(t, err, tx.ErrForeignHandle)
}

func TestTxManager_GetQuerier(t *testing.T) {
	db := &fakeDB{}
	m := newTestManager(db)

	assert.Same(t, db, m.GetQuerier(context.Background()))

	txCtx, err := m.Begin(context.Background())
	require.NoError(t, err)
	assert.Same(t, m.GetTx(txCtx).Tx, m.GetQuerier(txCtx))

	require.NoError(t, m.Commit(txCtx))
	assert.Same(t, db, m.GetQuerier(txCtx), "finished transaction falls back to the pool")
}

func TestTxManager_DrivenByEngine(t *testing.T) {
	db := &fakeDB{}
	m := newTestManager(db)
	engine := propagation.New(m, propagation.WithLogger(logger.Nop()))
	repo := NewStatementRepo(m)

	err := engine.Required(context.Background(), func(ctx context.Context) error {
		n, err := repo.Exec(ctx, "UPDATE t SET x = 1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		return engine.RequiresNew(ctx, func(ctx context.Context) error {
			_, err := repo.Exec(ctx, "INSERT INTO log VALUES (1)")
			return err
		})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"begin",
		"tx.exec:UPDATE t SET x = 1",
		"begin",
		"tx.exec:INSERT INTO log VALUES (1)",
		"commit",
		"commit",
	}, db.Calls())

	n, err := repo.Exec(context.Background(), "DELETE FROM t")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "no transaction runs on the pool")
}

func TestParseIsolation(t *testing.T) {
	level, err := ParseIsolation("Serializable")
	require.NoError(t, err)
	assert.Equal(t, pgx.Serializable, level)

	level, err = ParseIsolation("")
	require.NoError(t, err)
	assert.Equal(t, pgx.ReadCommitted, level)

	_, err = ParseIsolation("snapshot")
	assert.Error(t, err)
}
