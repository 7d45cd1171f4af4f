package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// DedupLedger implements domain.DedupLedger using PostgreSQL.
type DedupLedger struct {
	pool *pgxpool.Pool
}

// NewDedupLedger creates a new DedupLedger backed by the given connection pool.
func NewDedupLedger(pool *pgxpool.Pool) *DedupLedger {
	return &DedupLedger{pool: pool}
}

// Committed returns the subset of keys already present in the ledger.
func (l *DedupLedger) Committed(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := l.pool.Query(ctx, `SELECT row_key FROM committed_rows WHERE row_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("postgres: lookup committed rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("postgres: scan committed row: %w", err)
		}
		out[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate committed rows: %w", err)
	}
	return out, nil
}

// MarkCommitted records keys. Keys already present are left untouched.
func (l *DedupLedger) MarkCommitted(ctx context.Context, keys []string, sourceFile string) error {
	if len(keys) == 0 {
		return nil
	}
	const query = `
		INSERT INTO committed_rows (row_key, source_file)
		SELECT k, $2 FROM unnest($1::text[]) AS k
		ON CONFLICT (row_key) DO NOTHING`

	if _, err := l.pool.Exec(ctx, query, keys, sourceFile); err != nil {
		return fmt.Errorf("postgres: mark %d rows committed: %w", len(keys), err)
	}
	return nil
}

// Forget deletes keys from the ledger.
func (l *DedupLedger) Forget(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := l.pool.Exec(ctx, `DELETE FROM committed_rows WHERE row_key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("postgres: forget %d committed rows: %w", len(keys), err)
	}
	return nil
}

// Count returns the number of committed keys.
func (l *DedupLedger) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM committed_rows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count committed rows: %w", err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.DedupLedger = (*DedupLedger)(nil)
