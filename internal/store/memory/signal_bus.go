package memory

import (
	"context"
	"path"
	"sync"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// SignalBus implements domain.SignalBus inside one process. Channels may be
// glob patterns. Slow subscribers drop messages instead of blocking
// publishers.
type SignalBus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

type subscription struct {
	pattern string
	ch      chan []byte
}

// NewSignalBus returns a bus with no subscribers.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[*subscription]struct{})}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that is closed when ctx is done.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &subscription{pattern: channel, ch: make(chan []byte, 128)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
