package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. A group's
// executions, positions and pairs are rewritten in one transaction.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// GetExecutions returns the committed executions of a group ordered by
// (executed_at, ingest_seq).
func (s *PositionStore) GetExecutions(ctx context.Context, group domain.GroupKey) ([]domain.Execution, error) {
	const query = `
		SELECT row_key, ingest_seq, instrument, account, side, quantity,
		       price::text, executed_at, source_file, source_line,
		       COALESCE(broker_exec_id, '')
		FROM executions
		WHERE instrument = $1 AND account = $2
		ORDER BY executed_at, ingest_seq`

	rows, err := s.pool.Query(ctx, query, group.Instrument, group.Account)
	if err != nil {
		return nil, fmt.Errorf("postgres: get executions %s: %w", group, err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		var (
			e     domain.Execution
			side  string
			price string
		)
		if err := rows.Scan(
			&e.SourceRowKey, &e.Seq, &e.Instrument, &e.Account, &side, &e.Quantity,
			&price, &e.Timestamp, &e.SourceFile, &e.SourceLine, &e.BrokerExecID,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		e.Side = domain.Side(side)
		e.Timestamp = e.Timestamp.UTC()
		if e.Price, err = parseNumeric(price); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate executions: %w", err)
	}
	return out, nil
}

// ReplacePositions appends and removes executions and swaps the group's
// positions inside one transaction guarded by a group advisory lock. The
// ledger keys of removed executions are deleted in the same transaction.
func (s *PositionStore) ReplacePositions(ctx context.Context, group domain.GroupKey, positions []domain.Position, appended []domain.Execution, removed []string) error {
	for _, p := range positions {
		if err := p.CheckInvariants(); err != nil {
			return err
		}
	}

	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, group.String()); err != nil {
			return fmt.Errorf("postgres: lock group %s: %w", group, err)
		}

		if len(removed) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM executions WHERE instrument = $1 AND account = $2 AND row_key = ANY($3)`,
				group.Instrument, group.Account, removed,
			); err != nil {
				return fmt.Errorf("postgres: remove executions %s: %w", group, err)
			}
			// Removed rows leave the dedup ledger with their executions.
			if _, err := tx.Exec(ctx, `DELETE FROM committed_rows WHERE row_key = ANY($1)`, removed); err != nil {
				return fmt.Errorf("postgres: forget removed rows %s: %w", group, err)
			}
		}

		batch := &pgx.Batch{}
		// Queued in slice order so ingest_seq follows it.
		for _, e := range appended {
			var execID *string
			if e.BrokerExecID != "" {
				execID = &e.BrokerExecID
			}
			batch.Queue(`
				INSERT INTO executions (
					row_key, instrument, account, side, quantity, price,
					executed_at, source_file, source_line, broker_exec_id
				) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
				ON CONFLICT (row_key) DO NOTHING`,
				e.SourceRowKey, e.Instrument, e.Account, string(e.Side), e.Quantity, numeric(e.Price),
				e.Timestamp, e.SourceFile, e.SourceLine, execID,
			)
		}

		batch.Queue(`DELETE FROM positions WHERE instrument = $1 AND account = $2`, group.Instrument, group.Account)

		for _, p := range positions {
			batch.Queue(`
				INSERT INTO positions (
					id, instrument, account, direction, status,
					entry_time, exit_time, last_activity,
					entry_quantity, total_quantity, open_quantity,
					avg_entry_price, avg_exit_price, points_pnl, dollar_pnl, point_value,
					execution_count, updated_at
				) VALUES (
					$1, $2, $3, $4, $5,
					$6, $7, $8,
					$9, $10, $11,
					$12::numeric, $13::numeric, $14::numeric, $15::numeric, $16::numeric,
					$17, NOW()
				)`,
				p.ID, p.Instrument, p.Account, string(p.Direction), string(p.Status),
				p.EntryTime, p.ExitTime, p.LastActivity(),
				p.EntryQuantity, p.TotalQuantity, p.OpenQuantity,
				numeric(p.AvgEntryPrice), numeric(p.AvgExitPrice), numeric(p.PointsPnL), numeric(p.DollarPnL), numeric(p.PointValue),
				p.ExecutionCount,
			)
			for i, pair := range p.Pairs {
				batch.Queue(`
					INSERT INTO execution_pairs (
						position_id, ordinal, entry_time, entry_price, exit_time, exit_price,
						quantity, points_pnl, dollar_pnl, duration_ns
					) VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric, $7, $8::numeric, $9::numeric, $10)`,
					p.ID, i, pair.EntryTime, numeric(pair.EntryPrice), pair.ExitTime, numeric(pair.ExitPrice),
					pair.Quantity, numeric(pair.PointsPnL), numeric(pair.DollarPnL), int64(pair.Duration),
				)
			}
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: replace positions %s: %w", group, err)
		}
		return nil
	})
}

const positionSelectCols = `id, instrument, account, direction, status,
	entry_time, exit_time, entry_quantity, total_quantity, open_quantity,
	avg_entry_price::text, avg_exit_price::text, points_pnl::text, dollar_pnl::text, point_value::text,
	execution_count`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                                  domain.Position
		direction, status                  string
		avgEntry, avgExit, points, dollars string
		pointValue                         string
	)
	if err := row.Scan(
		&p.ID, &p.Instrument, &p.Account, &direction, &status,
		&p.EntryTime, &p.ExitTime, &p.EntryQuantity, &p.TotalQuantity, &p.OpenQuantity,
		&avgEntry, &avgExit, &points, &dollars, &pointValue,
		&p.ExecutionCount,
	); err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	p.EntryTime = p.EntryTime.UTC()
	if p.ExitTime != nil {
		t := p.ExitTime.UTC()
		p.ExitTime = &t
	}

	var err error
	if p.AvgEntryPrice, err = parseNumeric(avgEntry); err != nil {
		return domain.Position{}, err
	}
	if p.AvgExitPrice, err = parseNumeric(avgExit); err != nil {
		return domain.Position{}, err
	}
	if p.PointsPnL, err = parseNumeric(points); err != nil {
		return domain.Position{}, err
	}
	if p.DollarPnL, err = parseNumeric(dollars); err != nil {
		return domain.Position{}, err
	}
	if p.PointValue, err = parseNumeric(pointValue); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// ListPositions returns matching positions ordered by entry time, with
// their pairs.
func (s *PositionStore) ListPositions(ctx context.Context, pf domain.PositionFilter) ([]domain.Position, error) {
	var f filter
	if pf.Instrument != "" {
		f.add("instrument = $%d", pf.Instrument)
	}
	if pf.Account != "" {
		f.add("account = $%d", pf.Account)
	}
	if pf.Status != "" {
		f.add("status = $%d", string(pf.Status))
	}
	if pf.ActiveTo != nil {
		f.add("entry_time <= $%d", *pf.ActiveTo)
	}
	if pf.ActiveFrom != nil {
		f.add("(status = 'open' OR last_activity >= $%d)", *pf.ActiveFrom)
	}
	query := `SELECT ` + positionSelectCols + ` FROM positions` + f.where() +
		` ORDER BY entry_time, id` + f.page(pf.Limit, pf.Offset)

	rows, err := s.pool.Query(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate positions: %w", err)
	}
	if err := s.loadPairs(ctx, positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetPosition returns one position with its pairs, or domain.ErrNotFound.
func (s *PositionStore) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	positions := []domain.Position{p}
	if err := s.loadPairs(ctx, positions); err != nil {
		return domain.Position{}, err
	}
	return positions[0], nil
}

func (s *PositionStore) loadPairs(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]string, len(positions))
	index := make(map[string]int, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
		index[p.ID] = i
	}

	const query = `
		SELECT position_id, entry_time, entry_price::text, exit_time, exit_price::text,
		       quantity, points_pnl::text, dollar_pnl::text, duration_ns
		FROM execution_pairs
		WHERE position_id = ANY($1)
		ORDER BY position_id, ordinal`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("postgres: load pairs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                                 string
			pair                               domain.ExecutionPair
			entryPrice, exitPrice, pts, dollar string
			durationNs                         int64
		)
		if err := rows.Scan(&id, &pair.EntryTime, &entryPrice, &pair.ExitTime, &exitPrice,
			&pair.Quantity, &pts, &dollar, &durationNs); err != nil {
			return fmt.Errorf("postgres: scan pair: %w", err)
		}
		pair.EntryTime = pair.EntryTime.UTC()
		pair.ExitTime = pair.ExitTime.UTC()
		pair.Duration = time.Duration(durationNs)
		if pair.EntryPrice, err = parseNumeric(entryPrice); err != nil {
			return err
		}
		if pair.ExitPrice, err = parseNumeric(exitPrice); err != nil {
			return err
		}
		if pair.PointsPnL, err = parseNumeric(pts); err != nil {
			return err
		}
		if pair.DollarPnL, err = parseNumeric(dollar); err != nil {
			return err
		}
		i := index[id]
		positions[i].Pairs = append(positions[i].Pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: iterate pairs: %w", err)
	}
	for i := range positions {
		if positions[i].Pairs == nil {
			positions[i].Pairs = []domain.ExecutionPair{}
		}
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
