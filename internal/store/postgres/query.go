package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// filter accumulates WHERE clauses with positional arguments.
type filter struct {
	clauses []string
	args    []any
}

// add appends a clause; every %d in format is replaced by the new
// argument's position.
func (f *filter) add(format string, arg any) {
	f.args = append(f.args, arg)
	n := len(f.args)
	f.clauses = append(f.clauses, strings.ReplaceAll(format, "%d", fmt.Sprint(n)))
}

func (f *filter) where() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

// page appends LIMIT/OFFSET placeholders.
func (f *filter) page(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		f.args = append(f.args, limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(f.args))
	}
	if offset > 0 {
		f.args = append(f.args, offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(f.args))
	}
	return sb.String()
}

// inTx runs fn in a transaction and commits when it returns nil.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// Decimals travel as text so no precision is lost in either direction.
func numeric(d decimal.Decimal) string { return d.String() }

func parseNumeric(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: bad numeric %q: %w", s, err)
	}
	return d, nil
}
