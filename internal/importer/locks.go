package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// GroupLocker serializes reconciliation passes per (instrument, account).
// Different groups never block each other.
type GroupLocker interface {
	Lock(ctx context.Context, group domain.GroupKey) (unlock func(), err error)
}

// KeyedLocker is an in-process GroupLocker. Each group gets a one-slot
// semaphore; waiters give up after wait with a LockContentionTimeout.
type KeyedLocker struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[domain.GroupKey]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker creates a KeyedLocker. A zero wait fails immediately when
// the group is busy.
func NewKeyedLocker(wait time.Duration) *KeyedLocker {
	return &KeyedLocker{wait: wait, slots: make(map[domain.GroupKey]*slot)}
}

func (l *KeyedLocker) Lock(ctx context.Context, group domain.GroupKey) (func(), error) {
	s := l.acquireSlot(group)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
	default:
		select {
		case s.ch <- struct{}{}:
		case <-timer.C:
			l.releaseSlot(group)
			return nil, &domain.LockContentionTimeout{Group: group, Waited: l.wait}
		case <-ctx.Done():
			l.releaseSlot(group)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(group)
		})
	}, nil
}

func (l *KeyedLocker) acquireSlot(group domain.GroupKey) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[group]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[group] = s
	}
	s.refs++
	return s
}

func (l *KeyedLocker) releaseSlot(group domain.GroupKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[group]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, group)
	}
}

// DistributedLocker extends a KeyedLocker across processes with a
// domain.LockManager. The local lock is taken first so one process never
// polls the shared lock against itself.
type DistributedLocker struct {
	local   *KeyedLocker
	manager domain.LockManager
	ttl     time.Duration
	wait    time.Duration
	retry   time.Duration
}

// NewDistributedLocker creates a DistributedLocker. ttl bounds how long a
// crashed holder can block the group.
func NewDistributedLocker(manager domain.LockManager, ttl, wait time.Duration) *DistributedLocker {
	return &DistributedLocker{
		local:   NewKeyedLocker(wait),
		manager: manager,
		ttl:     ttl,
		wait:    wait,
		retry:   200 * time.Millisecond,
	}
}

func lockName(group domain.GroupKey) string {
	return "group:" + group.Instrument + ":" + group.Account
}

func (l *DistributedLocker) Lock(ctx context.Context, group domain.GroupKey) (func(), error) {
	start := time.Now()
	unlockLocal, err := l.local.Lock(ctx, group)
	if err != nil {
		return nil, err
	}

	deadline := start.Add(l.wait)
	for {
		unlockShared, err := l.manager.Acquire(ctx, lockName(group), l.ttl)
		if err == nil {
			return func() {
				unlockShared()
				unlockLocal()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			unlockLocal()
			return nil, fmt.Errorf("importer: lock %s: %w", group, err)
		}
		if time.Now().After(deadline) {
			unlockLocal()
			return nil, &domain.LockContentionTimeout{Group: group, Waited: time.Since(start)}
		}
		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		}
	}
}

var (
	_ GroupLocker = (*KeyedLocker)(nil)
	_ GroupLocker = (*DistributedLocker)(nil)
)
