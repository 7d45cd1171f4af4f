package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu         sync.RWMutex
	executions map[domain.GroupKey][]domain.Execution
	rowKeys    map[string]bool
	positions  map[domain.GroupKey][]domain.Position
	nextSeq    int64
}

// NewPositionStore returns an empty store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		executions: make(map[domain.GroupKey][]domain.Execution),
		rowKeys:    make(map[string]bool),
		positions:  make(map[domain.GroupKey][]domain.Position),
	}
}

// GetExecutions returns the committed executions of a group ordered by
// (timestamp, seq).
func (s *PositionStore) GetExecutions(_ context.Context, group domain.GroupKey) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Execution, len(s.executions[group]))
	copy(out, s.executions[group])
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// ReplacePositions applies the execution changes and swaps the group's
// positions in one step. Nothing changes when any position fails its
// invariants.
func (s *PositionStore) ReplacePositions(_ context.Context, group domain.GroupKey, positions []domain.Position, appended []domain.Execution, removed []string) error {
	for _, p := range positions {
		if err := p.CheckInvariants(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(removed) > 0 {
		drop := make(map[string]bool, len(removed))
		for _, k := range removed {
			drop[k] = true
		}
		kept := s.executions[group][:0:0]
		for _, e := range s.executions[group] {
			if drop[e.SourceRowKey] {
				delete(s.rowKeys, e.SourceRowKey)
				continue
			}
			kept = append(kept, e)
		}
		s.executions[group] = kept
	}
	for _, e := range appended {
		if s.rowKeys[e.SourceRowKey] {
			continue
		}
		s.nextSeq++
		e.Seq = s.nextSeq
		s.rowKeys[e.SourceRowKey] = true
		s.executions[group] = append(s.executions[group], e)
	}
	stored := make([]domain.Position, len(positions))
	for i, p := range positions {
		stored[i] = clonePosition(p)
	}
	s.positions[group] = stored
	return nil
}

// ListPositions returns matching positions ordered by entry time.
func (s *PositionStore) ListPositions(_ context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	s.mu.RLock()
	var out []domain.Position
	for group, positions := range s.positions {
		if filter.Instrument != "" && group.Instrument != filter.Instrument {
			continue
		}
		if filter.Account != "" && group.Account != filter.Account {
			continue
		}
		for _, p := range positions {
			if filter.Status != "" && p.Status != filter.Status {
				continue
			}
			if !activeIn(p, filter) {
				continue
			}
			out = append(out, clonePosition(p))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

// GetPosition returns the position with the given id or domain.ErrNotFound.
func (s *PositionStore) GetPosition(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, positions := range s.positions {
		for _, p := range positions {
			if p.ID == id {
				return clonePosition(p), nil
			}
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func activeIn(p domain.Position, f domain.PositionFilter) bool {
	if f.ActiveTo != nil && p.EntryTime.After(*f.ActiveTo) {
		return false
	}
	if f.ActiveFrom != nil && p.Status == domain.PositionStatusClosed && p.LastActivity().Before(*f.ActiveFrom) {
		return false
	}
	return true
}

func clonePosition(p domain.Position) domain.Position {
	if p.ExitTime != nil {
		t := *p.ExitTime
		p.ExitTime = &t
	}
	pairs := make([]domain.ExecutionPair, len(p.Pairs))
	copy(pairs, p.Pairs)
	p.Pairs = pairs
	return p
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ domain.PositionStore = (*PositionStore)(nil)
