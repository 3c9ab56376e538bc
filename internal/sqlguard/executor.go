package sqlguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSQLTimeout, ErrSQLSyntax, and ErrSQLRuntime classify executor failures.
var (
	ErrSQLTimeout = errors.New("sql_timeout")
	ErrSQLSyntax  = errors.New("sql_syntax")
	ErrSQLRuntime = errors.New("sql_runtime")
)

// Result holds column-aligned query output, preserving column order and
// native value types where pgx can represent them.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Executor runs guarded SQL with an enforced timeout.
type Executor struct{}

// NewExecutor creates an Executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Execute runs safeSQL against pool, aborting the query if it runs past timeout.
func (e *Executor) Execute(ctx context.Context, pool *pgxpool.Pool, safeSQL string, timeout time.Duration) (*Result, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := pool.Query(qctx, safeSQL)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return &Result{Columns: columns, Rows: out}, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrSQLTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// PostgreSQL error class "42" is syntax/access-rule violations.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42" {
			return fmt.Errorf("%w: %v", ErrSQLSyntax, err)
		}
		return fmt.Errorf("%w: %v", ErrSQLRuntime, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrSQLRuntime, err)
	}
	return fmt.Errorf("%w: %v", ErrSQLRuntime, err)
}
