package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"propagator/internal/core/apperror"
	appctx "propagator/internal/core/context"
	"propagator/internal/propagation"
	"propagator/pkg/logger"
)

// DefaultHistoryLimit caps History when the caller passes no limit.
const DefaultHistoryLimit = 100

// EventBatchCompleted is published when every statement of a batch succeeded.
const EventBatchCompleted = "BatchCompleted"

// Service executes batches and keeps their audit trail.
type Service struct {
	runner      propagation.Runner
	exec        Executor
	journal     AuditJournal
	publisher   EventPublisher
	defaultMode propagation.Mode
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher publishes EventBatchCompleted for every successful batch.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// NewService creates a new batch service. defaultMode applies to batches
// submitted without a mode.
func NewService(runner propagation.Runner, exec Executor, journal AuditJournal, defaultMode propagation.Mode, opts ...Option) *Service {
	s := &Service{
		runner:      runner,
		exec:        exec,
		journal:     journal,
		defaultMode: defaultMode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultMode returns the mode used when a batch names none.
func (s *Service) DefaultMode() propagation.Mode {
	return s.defaultMode
}

// Execute runs every statement of b under b.Mode and stops at the first
// failure. The returned error is whatever the engine reported, so callers can
// tell rejected, failed and cleanup-failed batches apart.
func (s *Service) Execute(ctx context.Context, b Batch) (*Report, error) {
	if b.Mode == 0 {
		b.Mode = s.defaultMode
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	log := logger.FromContext(ctx).With("batch_id", b.ID.String(), "propagation", b.Mode.String())
	log.Debugw("batch started", "statements", len(b.Statements))

	results := make([]Result, 0, len(b.Statements))
	err := s.runner.Run(ctx, b.Mode, func(ctx context.Context) error {
		for i, st := range b.Statements {
			res, err := s.runStatement(ctx, i, st)
			if err != nil {
				s.audit(ctx, b, OutcomeStatementFailed, i, err)
				return apperror.NewStatementFailed(i, err)
			}
			results = append(results, res)
		}
		return s.publish(ctx, b, len(results))
	})

	s.audit(ctx, b, outcomeOf(err), -1, err)

	if err != nil {
		log.Infow("batch failed", "error", err)
		return nil, err
	}

	log.Debugw("batch completed")
	return &Report{BatchID: b.ID, Mode: b.Mode.String(), Results: results}, nil
}

func (s *Service) runStatement(ctx context.Context, index int, st Statement) (Result, error) {
	res := Result{Index: index}
	run := func(ctx context.Context) error {
		if st.Query {
			rows, err := s.exec.Query(ctx, st.SQL, st.Args...)
			if err != nil {
				return err
			}
			res.Rows = rows
			res.RowsAffected = int64(len(rows))
			return nil
		}
		n, err := s.exec.Exec(ctx, st.SQL, st.Args...)
		res.RowsAffected = n
		return err
	}

	if st.Propagation == nil {
		return res, run(ctx)
	}
	return res, s.runner.Run(ctx, *st.Propagation, run)
}

// publish joins the batch transaction when there is one, so the event is
// committed or discarded together with the statements.
func (s *Service) publish(ctx context.Context, b Batch, statements int) error {
	if s.publisher == nil {
		return nil
	}
	event := Event{
		AggregateType: "batch",
		AggregateID:   b.ID,
		EventType:     EventBatchCompleted,
		Payload: map[string]any{
			"batch_id":    b.ID.String(),
			"propagation": b.Mode.String(),
			"statements":  statements,
		},
	}
	err := s.runner.Run(ctx, propagation.ModeRequired, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("publish batch event: %w", err)
	}
	return nil
}

// audit records an outcome in a new transaction. The ambient transaction, if
// any, is suspended meanwhile, so the entry survives its rollback. Journal
// failures never change the batch result.
func (s *Service) audit(ctx context.Context, b Batch, outcome Outcome, statement int, cause error) {
	entry := AuditEntry{
		ID:          uuid.New(),
		BatchID:     b.ID,
		Propagation: b.Mode.String(),
		Outcome:     outcome,
		Statement:   statement,
		Subject:     appctx.GetSubject(ctx),
		CreatedAt:   time.Now().UTC(),
	}
	if trace := appctx.GetTrace(ctx); trace != nil {
		entry.TraceID = trace.TraceID
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if payload, err := json.Marshal(auditPayload(b, statement)); err == nil {
		entry.Payload = payload
	}

	err := s.runner.Run(ctx, propagation.ModeRequiresNew, func(ctx context.Context) error {
		return s.journal.Record(ctx, entry)
	})
	if err != nil {
		logger.Warn(ctx, "audit entry not recorded",
			"batch_id", b.ID.String(),
			"outcome", string(outcome),
			"error", err,
		)
	}
}

// History returns the audit entries of a batch, oldest first.
func (s *Service) History(ctx context.Context, batchID uuid.UUID, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	var entries []AuditEntry
	err := s.runner.Run(ctx, propagation.ModeSupports, func(ctx context.Context) error {
		var err error
		entries, err = s.journal.History(ctx, batchID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get batch history: %w", err)
	}
	if len(entries) == 0 {
		return nil, apperror.NewNotFound("batch", batchID.String())
	}
	return entries, nil
}

type payloadStatement struct {
	SQL         string `json:"sql"`
	Query       bool   `json:"query,omitempty"`
	Propagation string `json:"propagation,omitempty"`
}

// auditPayload lists the statements that were part of the outcome: all of
// them for the batch entry, the failing one for a statement entry.
func auditPayload(b Batch, statement int) []payloadStatement {
	stmts := b.Statements
	if statement >= 0 && statement < len(stmts) {
		stmts = stmts[statement : statement+1]
	}
	out := make([]payloadStatement, len(stmts))
	for i, st := range stmts {
		out[i] = payloadStatement{SQL: st.SQL, Query: st.Query}
		if st.Propagation != nil {
			out[i].Propagation = st.Propagation.String()
		}
	}
	return out
}

// outcomeOf classifies the error of the outer mode. A statement rejected by
// its own mode fails the batch; only the outer mode can reject it.
func outcomeOf(err error) Outcome {
	var pe *propagation.PreconditionError
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.As(err, &pe) && !isStatementError(err):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

func isStatementError(err error) bool {
	appErr, ok := apperror.AsAppError(err)
	return ok && appErr.Code == apperror.CodeStatementFailed
}
