package batch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propagator/internal/core/apperror"
	appctx "propagator/internal/core/context"
	"propagator/internal/infrastructure/storage/memory"
	"propagator/internal/propagation"
	"propagator/pkg/logger"
)

type execCall struct {
	SQL  string
	TxID string
}

// fakeExecutor fails statements listed in failOn and notes the ambient
// transaction of every call.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []execCall
	failOn map[string]error
}

func (f *fakeExecutor) note(ctx context.Context, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{SQL: sql, TxID: memory.TransactionID(ctx)})
	return f.failOn[sql]
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string, _ ...any) (int64, error) {
	if err := f.note(ctx, sql); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *fakeExecutor) Query(ctx context.Context, sql string, _ ...any) ([]map[string]any, error) {
	if err := f.note(ctx, sql); err != nil {
		return nil, err
	}
	return []map[string]any{{"n": 1}, {"n": 2}}, nil
}

type recordedEntry struct {
	AuditEntry
	TxID string
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []recordedEntry
	err     error
}

func (j *fakeJournal) Record(ctx context.Context, entry AuditEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.entries = append(j.entries, recordedEntry{AuditEntry: entry, TxID: memory.TransactionID(ctx)})
	return nil
}

func (j *fakeJournal) History(_ context.Context, batchID uuid.UUID, limit int) ([]AuditEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []AuditEntry
	for _, e := range j.entries {
		if e.BatchID == batchID && len(out) < limit {
			out = append(out, e.AuditEntry)
		}
	}
	return out, nil
}

type fixture struct {
	svc     *Service
	manager *memory.Manager
	exec    *fakeExecutor
	journal *fakeJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := memory.NewManager()
	exec := &fakeExecutor{failOn: map[string]error{}}
	journal := &fakeJournal{}
	engine := propagation.New(m, propagation.WithLogger(logger.Nop()))
	return &fixture{
		svc:     NewService(engine, exec, journal, propagation.ModeRequired),
		manager: m,
		exec:    exec,
		journal: journal,
	}
}

func mode(m propagation.Mode) *propagation.Mode {
	return &m
}

var errBoom = errors.New("boom")

func TestService_Execute_CommitsTogether(t *testing.T) {
	f := newFixture(t)
	ctx := appctx.WithCaller(context.Background(), &appctx.Caller{Subject: "svc"})

	report, err := f.svc.Execute(ctx, Batch{
		Statements: []Statement{
			{SQL: "UPDATE a SET x = 1"},
			{SQL: "SELECT n FROM b", Query: true},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "required", report.Mode)
	assert.NotEqual(t, uuid.Nil, report.BatchID)
	require.Len(t, report.Results, 2)
	assert.EqualValues(t, 1, report.Results[0].RowsAffected)
	assert.Len(t, report.Results[1].Rows, 2)
	assert.Equal(t, 1, report.Results[1].Index)

	require.Len(t, f.exec.calls, 2)
	assert.NotEmpty(t, f.exec.calls[0].TxID)
	assert.Equal(t, f.exec.calls[0].TxID, f.exec.calls[1].TxID)

	require.Len(t, f.journal.entries, 1)
	entry := f.journal.entries[0]
	assert.Equal(t, OutcomeSucceeded, entry.Outcome)
	assert.Equal(t, -1, entry.Statement)
	assert.Equal(t, "svc", entry.Subject)
	assert.Equal(t, report.BatchID, entry.BatchID)
	assert.NotEqual(t, f.exec.calls[0].TxID, entry.TxID, "audit runs in its own transaction")
	assert.JSONEq(t, `[{"sql":"UPDATE a SET x = 1"},{"sql":"SELECT n FROM b","query":true}]`, string(entry.Payload))

	assert.Equal(t, []memory.Op{
		memory.OpBegin, memory.OpCommit,
		memory.OpBegin, memory.OpCommit,
	}, f.manager.Ops())
}

func TestService_Execute_StatementFailureRollsBackButKeepsAudit(t *testing.T) {
	f := newFixture(t)
	f.exec.failOn["INSERT INTO b VALUES (1)"] = errBoom

	_, err := f.svc.Execute(context.Background(), Batch{
		Statements: []Statement{
			{SQL: "UPDATE a SET x = 1"},
			{SQL: "INSERT INTO b VALUES (1)"},
			{SQL: "never reached"},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeStatementFailed, appErr.Code)
	assert.Equal(t, 1, appErr.Details["index"])

	assert.Len(t, f.exec.calls, 2)

	require.Len(t, f.journal.entries, 2)
	failed := f.journal.entries[0]
	assert.Equal(t, OutcomeStatementFailed, failed.Outcome)
	assert.Equal(t, 1, failed.Statement)
	assert.Equal(t, errBoom.Error(), failed.Error)
	assert.NotEqual(t, f.exec.calls[0].TxID, failed.TxID)
	assert.JSONEq(t, `[{"sql":"INSERT INTO b VALUES (1)"}]`, string(failed.Payload))

	assert.Equal(t, OutcomeFailed, f.journal.entries[1].Outcome)

	// The statement audit suspends the batch transaction, commits on its
	// own and resumes it before the batch rolls back.
	assert.Equal(t, []memory.Op{
		memory.OpBegin,
		memory.OpSuspend, memory.OpBegin, memory.OpCommit, memory.OpResume,
		memory.OpRollback,
		memory.OpBegin, memory.OpCommit,
	}, f.manager.Ops())
}

func TestService_Execute_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Execute(context.Background(), Batch{
		Mode:       propagation.ModeMandatory,
		Statements: []Statement{{SQL: "UPDATE a SET x = 1"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, propagation.ErrPrecondition)
	assert.Empty(t, f.exec.calls)

	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, OutcomeRejected, f.journal.entries[0].Outcome)
	assert.Equal(t, "mandatory", f.journal.entries[0].Propagation)
}

func TestService_Execute_NestedModes(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.Execute(context.Background(), Batch{
		Mode: propagation.ModeRequired,
		Statements: []Statement{
			{SQL: "outer"},
			{SQL: "independent", Propagation: mode(propagation.ModeRequiresNew)},
			{SQL: "plain", Propagation: mode(propagation.ModeNotSupported)},
			{SQL: "joined", Propagation: mode(propagation.ModeMandatory)},
		},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 4)

	calls := f.exec.calls
	require.Len(t, calls, 4)
	outer := calls[0].TxID
	assert.NotEmpty(t, outer)
	assert.NotEqual(t, outer, calls[1].TxID)
	assert.NotEmpty(t, calls[1].TxID)
	assert.Empty(t, calls[2].TxID)
	assert.Equal(t, outer, calls[3].TxID)
}

func TestService_Execute_NestedRejectionFailsBatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Execute(context.Background(), Batch{
		Statements: []Statement{
			{SQL: "outer"},
			{SQL: "forbidden", Propagation: mode(propagation.ModeNever)},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, propagation.ErrPrecondition)

	require.Len(t, f.journal.entries, 2)
	assert.Equal(t, OutcomeStatementFailed, f.journal.entries[0].Outcome)
	assert.Equal(t, OutcomeFailed, f.journal.entries[1].Outcome)
	assert.Len(t, f.exec.calls, 1)
}

func TestService_Execute_Validation(t *testing.T) {
	tests := []struct {
		name  string
		batch Batch
	}{
		{name: "empty", batch: Batch{}},
		{name: "blank sql", batch: Batch{Statements: []Statement{{SQL: "  "}}}},
		{name: "bad mode", batch: Batch{Mode: propagation.Mode(42), Statements: []Statement{{SQL: "x"}}}},
		{name: "bad nested mode", batch: Batch{Statements: []Statement{{SQL: "x", Propagation: mode(propagation.Mode(42))}}}},
		{name: "too many", batch: Batch{Statements: make([]Statement, MaxStatements+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.svc.Execute(context.Background(), tt.batch)
			appErr, ok := apperror.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, apperror.CodeValidation, appErr.Code)
			assert.Empty(t, f.manager.Ops())
			assert.Empty(t, f.journal.entries)
		})
	}
}

func TestService_Execute_AuditFailureKeepsResult(t *testing.T) {
	f := newFixture(t)
	f.journal.err = errBoom

	report, err := f.svc.Execute(context.Background(), Batch{
		Statements: []Statement{{SQL: "UPDATE a SET x = 1"}},
	})
	require.NoError(t, err)
	assert.Len(t, report.Results, 1)

	assert.Equal(t, []memory.Op{
		memory.OpBegin, memory.OpCommit,
		memory.OpBegin, memory.OpRollback,
	}, f.manager.Ops())
}

func TestService_History(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.History(context.Background(), uuid.New(), 10)
	assert.True(t, apperror.IsNotFound(err))

	id := uuid.New()
	_, err = f.svc.Execute(context.Background(), Batch{
		ID:         id,
		Statements: []Statement{{SQL: "UPDATE a SET x = 1"}},
	})
	require.NoError(t, err)

	entries, err := f.svc.History(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].BatchID)
}

type fakePublisher struct {
	events []Event
	txIDs  []string
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, event Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	p.txIDs = append(p.txIDs, memory.TransactionID(ctx))
	return nil
}

func TestService_Execute_PublishesInBatchTransaction(t *testing.T) {
	f := newFixture(t)
	pub := &fakePublisher{}
	engine := propagation.New(f.manager, propagation.WithLogger(logger.Nop()))
	svc := NewService(engine, f.exec, f.journal, propagation.ModeRequired, WithPublisher(pub))

	report, err := svc.Execute(context.Background(), Batch{
		Statements: []Statement{{SQL: "UPDATE a SET x = 1"}},
	})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, EventBatchCompleted, pub.events[0].EventType)
	assert.Equal(t, report.BatchID, pub.events[0].AggregateID)
	assert.Equal(t, f.exec.calls[0].TxID, pub.txIDs[0])
}

func TestService_Execute_PublishFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	pub := &fakePublisher{err: errBoom}
	engine := propagation.New(f.manager, propagation.WithLogger(logger.Nop()))
	svc := NewService(engine, f.exec, f.journal, propagation.ModeRequired, WithPublisher(pub))

	_, err := svc.Execute(context.Background(), Batch{
		Statements: []Statement{{SQL: "UPDATE a SET x = 1"}},
	})
	assert.ErrorIs(t, err, errBoom)

	// Joined publish marks the batch rollback-only before it rolls back.
	assert.Equal(t, []memory.Op{
		memory.OpBegin, memory.OpSetRollbackOnly, memory.OpRollback,
		memory.OpBegin, memory.OpCommit,
	}, f.manager.Ops())
	assert.Equal(t, OutcomeFailed, f.journal.entries[0].Outcome)
}
