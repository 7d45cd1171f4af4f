package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewAuditStore returns an empty audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()
	return page(out, opts.Offset, opts.Limit), nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
