package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// DedupLedger implements domain.DedupLedger.
type DedupLedger struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewDedupLedger returns an empty ledger.
func NewDedupLedger() *DedupLedger {
	return &DedupLedger{keys: make(map[string]string)}
}

func (l *DedupLedger) Committed(_ context.Context, keys []string) (map[string]bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]bool)
	for _, k := range keys {
		if _, ok := l.keys[k]; ok {
			out[k] = true
		}
	}
	return out, nil
}

// MarkCommitted is idempotent; the first source file recorded for a key wins.
func (l *DedupLedger) MarkCommitted(_ context.Context, keys []string, sourceFile string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if _, ok := l.keys[k]; !ok {
			l.keys[k] = sourceFile
		}
	}
	return nil
}

func (l *DedupLedger) Forget(_ context.Context, keys []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.keys, k)
	}
	return nil
}

func (l *DedupLedger) Count(context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.keys)), nil
}

var _ domain.DedupLedger = (*DedupLedger)(nil)
