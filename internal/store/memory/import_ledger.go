package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// ImportLedger implements domain.ImportLedger.
type ImportLedger struct {
	mu      sync.RWMutex
	records []domain.ImportRecord
}

// NewImportLedger returns an empty ledger.
func NewImportLedger() *ImportLedger {
	return &ImportLedger{}
}

func (l *ImportLedger) Append(_ context.Context, rec domain.ImportRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.Instruments = slices.Clone(rec.Instruments)
	l.records = append(l.records, rec)
	return nil
}

func (l *ImportLedger) Latest(_ context.Context, path string) (domain.ImportRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Path == path {
			return l.records[i], nil
		}
	}
	return domain.ImportRecord{}, domain.ErrNotFound
}

// List returns records newest first.
func (l *ImportLedger) List(_ context.Context, opts domain.ListOpts) ([]domain.ImportRecord, error) {
	l.mu.RLock()
	var out []domain.ImportRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if opts.Since != nil && rec.ProcessedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && rec.ProcessedAt.After(*opts.Until) {
			continue
		}
		out = append(out, rec)
	}
	l.mu.RUnlock()
	return page(out, opts.Offset, opts.Limit), nil
}

func (l *ImportLedger) FindByRange(_ context.Context, instrument string, r domain.DateRange) ([]domain.ImportRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	latest := make(map[string]domain.ImportRecord)
	var order []string
	for _, rec := range l.records {
		if rec.FirstExecution == nil || rec.LastExecution == nil {
			continue
		}
		if _, ok := latest[rec.Path]; !ok {
			order = append(order, rec.Path)
		}
		latest[rec.Path] = rec
	}

	var out []domain.ImportRecord
	for _, path := range order {
		rec := latest[path]
		if instrument != "" && !slices.Contains(rec.Instruments, instrument) {
			continue
		}
		if !r.Overlaps(*rec.FirstExecution, *rec.LastExecution) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ domain.ImportLedger = (*ImportLedger)(nil)
