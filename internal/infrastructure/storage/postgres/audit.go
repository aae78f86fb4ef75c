package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"propagator/internal/domain/batch"
)

// AuditTable stores the propagation audit journal.
const AuditTable = "sys_propagation_audit"

// AuditSchema creates the journal table. Applied by EnsureSchema.
const AuditSchema = `
CREATE TABLE IF NOT EXISTS sys_propagation_audit (
	id                 uuid PRIMARY KEY,
	batch_id           uuid        NOT NULL,
	propagation        text        NOT NULL,
	outcome            text        NOT NULL,
	statement_index    integer     NOT NULL DEFAULT -1,
	error              text        NOT NULL DEFAULT '',
	subject            text        NOT NULL DEFAULT '',
	trace_id           text        NOT NULL DEFAULT '',
	payload            jsonb,
	payload_compressed bytea,
	compression_algo   text        NOT NULL DEFAULT 'none',
	created_at         timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS sys_propagation_audit_batch_idx
	ON sys_propagation_audit (batch_id, created_at);
`

// CompressionAlgo specifies the compression algorithm used.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultCompressThreshold is the payload size above which payloads are
// stored zstd-compressed.
const DefaultCompressThreshold = 10 * 1024

// auditRow is the stored form of batch.AuditEntry.
type auditRow struct {
	ID                uuid.UUID       `db:"id"`
	BatchID           uuid.UUID       `db:"batch_id"`
	Propagation       string          `db:"propagation"`
	Outcome           string          `db:"outcome"`
	StatementIndex    int             `db:"statement_index"`
	Error             string          `db:"error"`
	Subject           string          `db:"subject"`
	TraceID           string          `db:"trace_id"`
	Payload           json.RawMessage `db:"payload"`
	PayloadCompressed []byte          `db:"payload_compressed"`
	CompressionAlgo   CompressionAlgo `db:"compression_algo"`
	CreatedAt         time.Time       `db:"created_at"`
}

var auditColumns = ExtractDBColumns[auditRow]()

// Compile-time check that AuditJournal implements batch.AuditJournal.
var _ batch.AuditJournal = (*AuditJournal)(nil)

// AuditJournal persists batch outcomes. It writes through whatever
// transaction is ambient in ctx; callers decide the propagation.
type AuditJournal struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewAuditJournal creates a new audit journal. threshold <= 0 selects
// DefaultCompressThreshold.
func NewAuditJournal(txManager *TxManager, threshold int) (*AuditJournal, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}

	return &AuditJournal{
		txManager:         txManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: threshold,
	}, nil
}

// Builder returns a new squirrel builder with PostgreSQL placeholder format.
func (j *AuditJournal) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// EnsureSchema creates the journal table if it does not exist.
func (j *AuditJournal) EnsureSchema(ctx context.Context) error {
	if _, err := j.txManager.GetQuerier(ctx).Exec(ctx, AuditSchema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Record inserts an audit entry.
func (j *AuditJournal) Record(ctx context.Context, entry batch.AuditEntry) error {
	row := j.toRow(entry)

	sql, args, err := j.Builder().
		Insert(AuditTable).
		SetMap(StructToMap(row)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := j.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// History retrieves the entries of one batch, oldest first.
func (j *AuditJournal) History(ctx context.Context, batchID uuid.UUID, limit int) ([]batch.AuditEntry, error) {
	sql, args, err := j.Builder().
		Select(auditColumns...).
		From(AuditTable).
		Where(squirrel.Eq{"batch_id": batchID}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var rows []auditRow
	if err := pgxscan.Select(ctx, j.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	entries := make([]batch.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e, err := j.fromRow(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// toRow compresses large payloads.
func (j *AuditJournal) toRow(e batch.AuditEntry) auditRow {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	row := auditRow{
		ID:              e.ID,
		BatchID:         e.BatchID,
		Propagation:     e.Propagation,
		Outcome:         string(e.Outcome),
		StatementIndex:  e.Statement,
		Error:           e.Error,
		Subject:         e.Subject,
		TraceID:         e.TraceID,
		Payload:         e.Payload,
		CompressionAlgo: CompressionNone,
		CreatedAt:       e.CreatedAt,
	}

	if len(row.Payload) > j.compressThreshold {
		row.PayloadCompressed = j.encoder.EncodeAll(row.Payload, nil)
		row.Payload = nil
		row.CompressionAlgo = CompressionZstd
	}
	return row
}

// fromRow decompresses the payload if needed.
func (j *AuditJournal) fromRow(r auditRow) (batch.AuditEntry, error) {
	payload := r.Payload
	if r.CompressionAlgo == CompressionZstd && len(r.PayloadCompressed) > 0 {
		decompressed, err := j.decoder.DecodeAll(r.PayloadCompressed, nil)
		if err != nil {
			return batch.AuditEntry{}, fmt.Errorf("decompress payload: %w", err)
		}
		payload = decompressed
	}

	return batch.AuditEntry{
		ID:          r.ID,
		BatchID:     r.BatchID,
		Propagation: r.Propagation,
		Outcome:     batch.Outcome(r.Outcome),
		Statement:   r.StatementIndex,
		Error:       r.Error,
		Subject:     r.Subject,
		TraceID:     r.TraceID,
		Payload:     payload,
		CreatedAt:   r.CreatedAt,
	}, nil
}
