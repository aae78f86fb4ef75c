// Package memory provides an in-process tx.Manager.
//
// Transactions hold no resources; the manager only tracks status and keeps a
// journal of every primitive it performed. It is the reference implementation
// of the port and the double used by service and handler tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"propagator/internal/core/tx"
)

// Op names a manager primitive in the journal.
type Op string

const (
	OpBegin           Op = "begin"
	OpCommit          Op = "commit"
	OpRollback        Op = "rollback"
	OpSetRollbackOnly Op = "set_rollback_only"
	OpSuspend         Op = "suspend"
	OpResume          Op = "resume"
)

// Event is one successful primitive call.
type Event struct {
	Op   Op
	TxID string
}

func (e Event) String() string {
	return fmt.Sprintf("%s:%s", e.Op, e.TxID)
}

// Compile-time check that Manager implements tx.Manager interface.
var _ tx.Manager = (*Manager)(nil)

// Manager is an in-memory transaction manager. Safe for concurrent use;
// each context chain sees only its own ambient transaction.
type Manager struct {
	id string

	mu      sync.Mutex
	journal []Event
	faults  map[Op][]error
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		id:     uuid.NewString(),
		faults: make(map[Op][]error),
	}
}

// Transaction is the state of one in-memory transaction.
type Transaction struct {
	id     string
	status tx.Status
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string {
	return t.id
}

// txKey is the context key for the ambient transaction.
// A nil *Transaction masks an outer one (suspended).
type txKey struct{}

type suspended struct {
	owner   *Manager
	tx      *Transaction
	resumed atomic.Bool
}

func (s *suspended) TransactionID() string {
	return s.tx.id
}

func current(ctx context.Context) *Transaction {
	t, _ := ctx.Value(txKey{}).(*Transaction)
	return t
}

// TransactionID returns the ID of the ambient transaction or "".
func TransactionID(ctx context.Context) string {
	if t := current(ctx); t != nil {
		return t.id
	}
	return ""
}

// Status returns the status of the ambient transaction.
func (m *Manager) Status(ctx context.Context) tx.Status {
	t := current(ctx)
	if t == nil {
		return tx.StatusNoTransaction
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.status
}

// Begin starts a new transaction.
func (m *Manager) Begin(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpBegin); err != nil {
		return ctx, err
	}
	if t := current(ctx); t != nil && t.status.Associated() {
		return ctx, tx.ErrAlreadyActive
	}

	t := &Transaction{id: uuid.NewString(), status: tx.StatusActive}
	m.record(OpBegin, t)
	return context.WithValue(ctx, txKey{}, t), nil
}

// Commit commits the ambient transaction. A rollback-only transaction is
// rolled back and tx.ErrMarkedRollback returned.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpCommit); err != nil {
		return err
	}
	t := current(ctx)
	if t == nil {
		return tx.ErrNoTransaction
	}

	switch t.status {
	case tx.StatusActive:
		t.status = tx.StatusCommitted
		m.record(OpCommit, t)
		return nil
	case tx.StatusMarkedRollback:
		t.status = tx.StatusRolledBack
		m.record(OpRollback, t)
		return tx.ErrMarkedRollback
	default:
		return fmt.Errorf("commit %s transaction: %w", t.status, tx.ErrInactive)
	}
}

// Rollback rolls back the ambient transaction.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpRollback); err != nil {
		return err
	}
	t := current(ctx)
	if t == nil {
		return tx.ErrNoTransaction
	}
	if !t.status.Associated() {
		return fmt.Errorf("rollback %s transaction: %w", t.status, tx.ErrInactive)
	}

	t.status = tx.StatusRolledBack
	m.record(OpRollback, t)
	return nil
}

// SetRollbackOnly marks the ambient transaction rollback-only.
func (m *Manager) SetRollbackOnly(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpSetRollbackOnly); err != nil {
		return err
	}
	t := current(ctx)
	if t == nil {
		return tx.ErrNoTransaction
	}
	if !t.status.Associated() {
		return fmt.Errorf("mark %s transaction: %w", t.status, tx.ErrInactive)
	}

	t.status = tx.StatusMarkedRollback
	m.record(OpSetRollbackOnly, t)
	return nil
}

// Suspend detaches the ambient transaction.
func (m *Manager) Suspend(ctx context.Context) (context.Context, tx.Suspended, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpSuspend); err != nil {
		return ctx, nil, err
	}
	t := current(ctx)
	if t == nil || !t.status.Associated() {
		return ctx, nil, tx.ErrNoTransaction
	}

	m.record(OpSuspend, t)
	return context.WithValue(ctx, txKey{}, (*Transaction)(nil)), &suspended{owner: m, tx: t}, nil
}

// Resume reattaches a suspended transaction. Each handle resumes once.
func (m *Manager) Resume(ctx context.Context, s tx.Suspended) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpResume); err != nil {
		return ctx, err
	}
	handle, ok := s.(*suspended)
	if !ok || handle.owner != m {
		return ctx, tx.ErrForeignHandle
	}
	if t := current(ctx); t != nil && t.status.Associated() {
		return ctx, tx.ErrAlreadyActive
	}
	if !handle.resumed.CompareAndSwap(false, true) {
		return ctx, tx.ErrAlreadyResumed
	}

	m.record(OpResume, handle.tx)
	return context.WithValue(ctx, txKey{}, handle.tx), nil
}

// Journal returns a copy of every successful primitive, oldest first.
func (m *Manager) Journal() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.journal...)
}

// Ops returns the journal reduced to primitive names.
func (m *Manager) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]Op, len(m.journal))
	for i, e := range m.journal {
		ops[i] = e.Op
	}
	return ops
}

// InjectFault makes the next call of op fail with err. Faults queue up per op.
func (m *Manager) InjectFault(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

func (m *Manager) fault(op Op) error {
	queue := m.faults[op]
	if len(queue) == 0 {
		return nil
	}
	m.faults[op] = queue[1:]
	return queue[0]
}

func (m *Manager) record(op Op, t *Transaction) {
	m.journal = append(m.journal, Event{Op: op, TxID: t.id})
}
