package dto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"propagator/internal/domain/batch"
	"propagator/internal/propagation"
)

// --- Request DTOs ---

// StatementRequest is one statement of a batch request.
type StatementRequest struct {
	SQL         string            `json:"sql" binding:"required"`
	Args        []any             `json:"args"`
	Query       bool              `json:"query"`
	Propagation *propagation.Mode `json:"propagation"`
}

// ExecuteBatchRequest is the body of POST /v1/batches.
type ExecuteBatchRequest struct {
	// ID makes a retried batch reuse its audit trail. Generated when empty.
	ID          *uuid.UUID         `json:"id"`
	Propagation *propagation.Mode  `json:"propagation"`
	Statements  []StatementRequest `json:"statements" binding:"required,min=1,dive"`
}

// ToBatch converts the request to a domain batch. mode applies when the body
// names no propagation mode.
func (r *ExecuteBatchRequest) ToBatch(mode propagation.Mode) batch.Batch {
	b := batch.Batch{
		Mode:       mode,
		Statements: make([]batch.Statement, len(r.Statements)),
	}
	if r.ID != nil {
		b.ID = *r.ID
	}
	if r.Propagation != nil {
		b.Mode = *r.Propagation
	}
	for i, st := range r.Statements {
		b.Statements[i] = batch.Statement{
			SQL:         st.SQL,
			Args:        st.Args,
			Query:       st.Query,
			Propagation: st.Propagation,
		}
	}
	return b
}

// --- Response DTOs ---

// StatementResultResponse is the result of one statement.
type StatementResultResponse struct {
	Index        int              `json:"index"`
	RowsAffected int64            `json:"rows_affected"`
	Rows         []map[string]any `json:"rows,omitempty"`
}

// BatchResponse is returned for a batch whose outer mode succeeded.
type BatchResponse struct {
	BatchID     string                    `json:"batch_id"`
	Propagation string                    `json:"propagation"`
	Results     []StatementResultResponse `json:"results"`
}

// FromReport converts a domain report.
func FromReport(r *batch.Report) BatchResponse {
	resp := BatchResponse{
		BatchID:     r.BatchID.String(),
		Propagation: r.Mode,
		Results:     make([]StatementResultResponse, len(r.Results)),
	}
	for i, res := range r.Results {
		resp.Results[i] = StatementResultResponse(res)
	}
	return resp
}

// AuditEntryResponse is one entry of a batch audit trail.
type AuditEntryResponse struct {
	ID          string          `json:"id"`
	Propagation string          `json:"propagation"`
	Outcome     string          `json:"outcome"`
	Statement   *int            `json:"statement,omitempty"`
	Error       string          `json:"error,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FromAuditEntries converts journal entries.
func FromAuditEntries(entries []batch.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = AuditEntryResponse{
			ID:          e.ID.String(),
			Propagation: e.Propagation,
			Outcome:     string(e.Outcome),
			Error:       e.Error,
			Subject:     e.Subject,
			TraceID:     e.TraceID,
			Payload:     e.Payload,
			CreatedAt:   e.CreatedAt,
		}
		if e.Statement >= 0 {
			idx := e.Statement
			out[i].Statement = &idx
		}
	}
	return out
}

// ModeResponse describes one propagation mode.
type ModeResponse struct {
	Name     string   `json:"name"`
	Requires []string `json:"requires_status,omitempty"`
}
