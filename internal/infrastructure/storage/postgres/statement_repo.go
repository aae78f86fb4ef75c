package postgres

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"

	"propagator/internal/domain/batch"
)

// Compile-time check that StatementRepo implements batch.Executor.
var _ batch.Executor = (*StatementRepo)(nil)

// StatementRepo runs raw statements on the ambient transaction, or on the
// pool when there is none.
type StatementRepo struct {
	txManager *TxManager
}

// NewStatementRepo creates a new statement repository.
func NewStatementRepo(txManager *TxManager) *StatementRepo {
	return &StatementRepo{txManager: txManager}
}

// Exec runs a statement and returns the number of affected rows.
func (r *StatementRepo) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("exec statement: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Query runs a statement and returns every row keyed by column name.
func (r *StatementRepo) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows := make([]map[string]any, 0)
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query statement: %w", err)
	}
	return rows, nil
}
