package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionFilter narrows position listings. Empty fields do not filter.
type PositionFilter struct {
	Instrument string
	Account    string
	Status     PositionStatus
	// ActiveFrom/ActiveTo keep positions whose [entry, last activity] span
	// intersects the interval.
	ActiveFrom *time.Time
	ActiveTo   *time.Time
	Limit      int
	Offset     int
}

// PositionStore owns positions, their execution pairs and the committed
// execution history they were derived from.
type PositionStore interface {
	// GetExecutions returns the committed executions of a group ordered by
	// (timestamp, seq).
	GetExecutions(ctx context.Context, group GroupKey) ([]Execution, error)
	// ReplacePositions atomically appends the given executions (idempotent
	// on row key, seq assigned in slice order), drops the executions whose
	// row keys are listed in removed, and replaces every position of the
	// group with the given set. Either all of it is visible or none.
	ReplacePositions(ctx context.Context, group GroupKey, positions []Position, appended []Execution, removed []string) error
	ListPositions(ctx context.Context, filter PositionFilter) ([]Position, error)
	GetPosition(ctx context.Context, id string) (Position, error)
}

// DedupLedger is the durable, append-only set of committed execution row
// keys.
type DedupLedger interface {
	// Committed returns the subset of keys already committed.
	Committed(ctx context.Context, keys []string) (map[string]bool, error)
	MarkCommitted(ctx context.Context, keys []string, sourceFile string) error
	// Forget drops keys whose executions were removed so the rows can be
	// committed again later. Unknown keys are ignored.
	Forget(ctx context.Context, keys []string) error
	Count(ctx context.Context) (int64, error)
}

// ImportLedger persists ImportRecords. It is the only source of truth for
// whether a file needs (re)processing.
type ImportLedger interface {
	Append(ctx context.Context, rec ImportRecord) error
	// Latest returns the most recent record for a path or ErrNotFound.
	Latest(ctx context.Context, path string) (ImportRecord, error)
	List(ctx context.Context, opts ListOpts) ([]ImportRecord, error)
	// FindByRange returns, per path, the latest record that carries
	// execution metadata, when those executions touch the instrument (any
	// instrument when empty) inside the range.
	FindByRange(ctx context.Context, instrument string, r DateRange) ([]ImportRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
