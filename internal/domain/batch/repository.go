package batch

import (
	"context"

	"github.com/google/uuid"
)

// Executor runs statements against whatever transaction is ambient in ctx.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
}

// Event is a domain event published with the batch's transaction.
type Event struct {
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       any
}

// EventPublisher records events in the ambient transaction, so they exist
// exactly when that transaction commits.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// AuditJournal persists batch outcomes.
type AuditJournal interface {
	Record(ctx context.Context, entry AuditEntry) error
	History(ctx context.Context, batchID uuid.UUID, limit int) ([]AuditEntry, error)
}
