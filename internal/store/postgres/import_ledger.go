package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// ImportLedger implements domain.ImportLedger using PostgreSQL. Rows are
// only ever inserted.
type ImportLedger struct {
	pool *pgxpool.Pool
}

// NewImportLedger creates a new ImportLedger backed by the given connection pool.
func NewImportLedger(pool *pgxpool.Pool) *ImportLedger {
	return &ImportLedger{pool: pool}
}

const importRecordCols = `id, path, signature, size, mod_time, processed_at, row_count,
	new_rows, status, error_detail, instruments, first_execution, last_execution, manual`

// Append inserts a new record.
func (l *ImportLedger) Append(ctx context.Context, rec domain.ImportRecord) error {
	instruments := rec.Instruments
	if instruments == nil {
		instruments = []string{}
	}
	const query = `
		INSERT INTO import_records (` + importRecordCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := l.pool.Exec(ctx, query,
		rec.ID, rec.Path, rec.Signature, rec.Size, rec.ModTime, rec.ProcessedAt, rec.RowCount,
		rec.NewRows, string(rec.Status), rec.ErrorDetail, instruments,
		rec.FirstExecution, rec.LastExecution, rec.Manual,
	)
	if err != nil {
		return fmt.Errorf("postgres: append import record %s: %w", rec.Path, err)
	}
	return nil
}

func scanImportRecord(row pgx.Row) (domain.ImportRecord, error) {
	var (
		rec    domain.ImportRecord
		status string
	)
	if err := row.Scan(
		&rec.ID, &rec.Path, &rec.Signature, &rec.Size, &rec.ModTime, &rec.ProcessedAt, &rec.RowCount,
		&rec.NewRows, &status, &rec.ErrorDetail, &rec.Instruments,
		&rec.FirstExecution, &rec.LastExecution, &rec.Manual,
	); err != nil {
		return domain.ImportRecord{}, err
	}
	rec.Status = domain.ImportStatus(status)
	rec.ModTime = rec.ModTime.UTC()
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	return rec, nil
}

// Latest returns the most recent record for path or domain.ErrNotFound.
func (l *ImportLedger) Latest(ctx context.Context, path string) (domain.ImportRecord, error) {
	const query = `SELECT ` + importRecordCols + ` FROM import_records
		WHERE path = $1 ORDER BY processed_at DESC, id DESC LIMIT 1`

	rec, err := scanImportRecord(l.pool.QueryRow(ctx, query, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ImportRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ImportRecord{}, fmt.Errorf("postgres: latest import record %s: %w", path, err)
	}
	return rec, nil
}

// List returns records newest first.
func (l *ImportLedger) List(ctx context.Context, opts domain.ListOpts) ([]domain.ImportRecord, error) {
	var f filter
	if opts.Since != nil {
		f.add("processed_at >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		f.add("processed_at <= $%d", *opts.Until)
	}
	query := `SELECT ` + importRecordCols + ` FROM import_records` + f.where() +
		` ORDER BY processed_at DESC, id DESC` + f.page(opts.Limit, opts.Offset)

	return l.query(ctx, query, f.args...)
}

// FindByRange returns the latest execution-bearing record of every path
// whose executions touch instrument inside r.
func (l *ImportLedger) FindByRange(ctx context.Context, instrument string, r domain.DateRange) ([]domain.ImportRecord, error) {
	var outer filter
	if instrument != "" {
		outer.add("$%d = ANY(instruments)", instrument)
	}
	if !r.To.IsZero() {
		outer.add("first_execution <= $%d", r.To)
	}
	if !r.From.IsZero() {
		outer.add("last_execution >= $%d", r.From)
	}
	query := `SELECT ` + importRecordCols + ` FROM (
			SELECT DISTINCT ON (path) ` + importRecordCols + `
			FROM import_records
			WHERE first_execution IS NOT NULL AND last_execution IS NOT NULL
			ORDER BY path, processed_at DESC, id DESC
		) latest` + outer.where() + ` ORDER BY path`

	return l.query(ctx, query, outer.args...)
}

func (l *ImportLedger) query(ctx context.Context, query string, args ...any) ([]domain.ImportRecord, error) {
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query import records: %w", err)
	}
	defer rows.Close()

	var out []domain.ImportRecord
	for rows.Next() {
		rec, err := scanImportRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan import record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate import records: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.ImportLedger = (*ImportLedger)(nil)
