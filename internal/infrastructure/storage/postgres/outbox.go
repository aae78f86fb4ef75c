package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"propagator/internal/domain/batch"
	"propagator/internal/propagation"
	"propagator/pkg/logger"
)

// OutboxSchema creates the outbox table. Applied by EnsureSchema.
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS sys_outbox (
	id             uuid PRIMARY KEY,
	aggregate_type text        NOT NULL,
	aggregate_id   uuid        NOT NULL,
	event_type     text        NOT NULL,
	payload        jsonb       NOT NULL,
	status         text        NOT NULL,
	retry_count    integer     NOT NULL DEFAULT 0,
	last_error     text,
	next_retry_at  timestamptz,
	created_at     timestamptz NOT NULL,
	published_at   timestamptz
);
CREATE INDEX IF NOT EXISTS sys_outbox_pending_idx ON sys_outbox (status, created_at);
`

// ErrOutboxNoTransaction is returned when publishing outside a transaction.
var ErrOutboxNoTransaction = errors.New("outbox publish requires transaction context")

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// maxOutboxRetries is how many failed deliveries turn a message into failed.
const maxOutboxRetries = 5

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   uuid.UUID       `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	Status        OutboxStatus    `db:"status"`
	RetryCount    int             `db:"retry_count"`
	LastError     *string         `db:"last_error"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
	CreatedAt     time.Time       `db:"created_at"`
	PublishedAt   *time.Time      `db:"published_at"`
}

var outboxColumns = ExtractDBColumns[OutboxMessage]()

// Compile-time check that OutboxPublisher implements batch.EventPublisher.
var _ batch.EventPublisher = (*OutboxPublisher)(nil)

// OutboxPublisher writes events to the outbox table.
type OutboxPublisher struct {
	txManager *TxManager
}

// NewOutboxPublisher creates a new outbox publisher.
func NewOutboxPublisher(txManager *TxManager) *OutboxPublisher {
	return &OutboxPublisher{txManager: txManager}
}

// EnsureSchema creates the outbox table if it does not exist.
func (p *OutboxPublisher) EnsureSchema(ctx context.Context) error {
	if _, err := p.txManager.GetQuerier(ctx).Exec(ctx, OutboxSchema); err != nil {
		return fmt.Errorf("create outbox schema: %w", err)
	}
	return nil
}

// Publish writes an event to the outbox within the current transaction.
// MUST be called inside a transaction context.
func (p *OutboxPublisher) Publish(ctx context.Context, event batch.Event) error {
	tx := p.txManager.GetTx(ctx)
	if tx == nil || !tx.Status().Associated() {
		return ErrOutboxNoTransaction
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert("sys_outbox").
		Columns("id", "aggregate_type", "aggregate_id", "event_type", "payload", "status", "created_at").
		Values(uuid.New(), event.AggregateType, event.AggregateID, event.EventType, payload, OutboxStatusPending, time.Now().UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}

	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// OutboxHandler processes outbox messages.
type OutboxHandler interface {
	// Handle processes a message and returns error if failed
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// OutboxRelay reads and processes messages from the outbox.
// Used by the background worker to deliver events.
type OutboxRelay struct {
	txManager *TxManager
	runner    propagation.Runner
	batchSize int
	handler   OutboxHandler
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(txManager *TxManager, runner propagation.Runner, batchSize int, handler OutboxHandler) *OutboxRelay {
	return &OutboxRelay{
		txManager: txManager,
		runner:    runner,
		batchSize: batchSize,
		handler:   handler,
	}
}

// ProcessBatch claims pending messages and hands them to the handler.
// Claiming and marking happen in one transaction, so rows locked by one
// relay are skipped by the others. Returns number of delivered messages.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := r.runner.Run(ctx, propagation.ModeRequired, func(ctx context.Context) error {
		sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
			Select(outboxColumns...).
			From("sys_outbox").
			Where(squirrel.Eq{"status": OutboxStatusPending}).
			Where(squirrel.Or{
				squirrel.Eq{"next_retry_at": nil},
				squirrel.Expr("next_retry_at <= NOW()"),
			}).
			OrderBy("created_at").
			Limit(uint64(r.batchSize)).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return fmt.Errorf("build outbox select: %w", err)
		}

		var messages []*OutboxMessage
		if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &messages, sql, args...); err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}

		for _, msg := range messages {
			delivered, err := r.processMessage(ctx, msg)
			if err != nil {
				return err
			}
			if delivered {
				processed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// processMessage delivers one message and records the result. Handler
// failures are recorded on the row, not returned.
func (r *OutboxRelay) processMessage(ctx context.Context, msg *OutboxMessage) (bool, error) {
	q := r.txManager.GetQuerier(ctx)

	if herr := r.handler.Handle(ctx, msg); herr != nil {
		logger.Warn(ctx, "outbox delivery failed",
			"message_id", msg.ID.String(),
			"retry", msg.RetryCount+1,
			"error", herr,
		)
		nextRetry := time.Now().Add(time.Duration(msg.RetryCount+1) * time.Minute)
		_, err := q.Exec(ctx, `
			UPDATE sys_outbox
			SET retry_count = retry_count + 1,
			    last_error = $1,
			    next_retry_at = $2,
			    status = CASE WHEN retry_count + 1 >= $3 THEN $4 ELSE status END
			WHERE id = $5
		`, herr.Error(), nextRetry, maxOutboxRetries, OutboxStatusFailed, msg.ID)
		if err != nil {
			return false, fmt.Errorf("update failed message: %w", err)
		}
		return false, nil
	}

	_, err := q.Exec(ctx, `
		UPDATE sys_outbox
		SET status = $1, published_at = $2
		WHERE id = $3
	`, OutboxStatusPublished, time.Now().UTC(), msg.ID)
	if err != nil {
		return false, fmt.Errorf("mark message published: %w", err)
	}
	return true, nil
}

// LogHandler delivers outbox messages to the structured log.
type LogHandler struct {
	log *logger.Logger
}

// NewLogHandler creates a handler writing to log.
func NewLogHandler(log *logger.Logger) *LogHandler {
	return &LogHandler{log: log.WithComponent("outbox")}
}

// Handle logs the message.
func (h *LogHandler) Handle(ctx context.Context, msg *OutboxMessage) error {
	h.log.WithContext(ctx).Infow("event delivered",
		"message_id", msg.ID.String(),
		"aggregate_type", msg.AggregateType,
		"aggregate_id", msg.AggregateID.String(),
		"event_type", msg.EventType,
		"payload", string(msg.Payload),
	)
	return nil
}
