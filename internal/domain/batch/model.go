// Package batch runs lists of SQL statements under a propagation mode.
//
// A batch has an outer mode that governs the whole list. Each statement may
// carry its own mode, applied inside the outer one, so a single request can
// combine joined work, independent sub-transactions and non-transactional
// reads. Every outcome is written to the audit journal in its own
// transaction so it survives an outer rollback.
package batch

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"propagator/internal/core/apperror"
	"propagator/internal/propagation"
)

// MaxStatements bounds the size of one batch.
const MaxStatements = 100

// Statement is one SQL statement of a batch.
type Statement struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`

	// Query selects rows instead of reporting affected rows.
	Query bool `json:"query,omitempty"`

	// Propagation, when set, wraps the statement in its own mode.
	Propagation *propagation.Mode `json:"propagation,omitempty"`
}

// Batch is a request to run statements under Mode.
type Batch struct {
	ID         uuid.UUID
	Mode       propagation.Mode
	Statements []Statement
}

// Validate checks the batch before any transaction work happens.
func (b *Batch) Validate() error {
	if len(b.Statements) == 0 {
		return apperror.NewValidation("batch has no statements")
	}
	if len(b.Statements) > MaxStatements {
		return apperror.NewValidation("batch has too many statements").
			WithDetail("max", MaxStatements)
	}
	if !b.Mode.Valid() {
		return apperror.NewValidation("invalid propagation mode").
			WithDetail("propagation", int(b.Mode))
	}
	for i, st := range b.Statements {
		if strings.TrimSpace(st.SQL) == "" {
			return apperror.NewValidation("statement sql is required").WithDetail("index", i)
		}
		if st.Propagation != nil && !st.Propagation.Valid() {
			return apperror.NewValidation("invalid statement propagation mode").WithDetail("index", i)
		}
	}
	return nil
}

// Result is the outcome of one statement.
type Result struct {
	Index        int              `json:"index"`
	RowsAffected int64            `json:"rows_affected"`
	Rows         []map[string]any `json:"rows,omitempty"`
}

// Report is returned for a batch whose outer mode completed successfully.
type Report struct {
	BatchID uuid.UUID `json:"batch_id"`
	Mode    string    `json:"propagation"`
	Results []Result  `json:"results"`
}

// Outcome classifies an audit entry.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeFailed          Outcome = "failed"
	OutcomeRejected        Outcome = "rejected"
	OutcomeStatementFailed Outcome = "statement_failed"
)

// AuditEntry is one record of the propagation audit journal.
type AuditEntry struct {
	ID          uuid.UUID       `json:"id"`
	BatchID     uuid.UUID       `json:"batch_id"`
	Propagation string          `json:"propagation"`
	Outcome     Outcome         `json:"outcome"`
	Statement   int             `json:"statement"` // failing statement index, -1 for the whole batch
	Error       string          `json:"error,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
