package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus provides pub/sub fan-out of change events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// CandleCache is the read-only OHLC candle store. It is populated by an
// external acquisition process; the pipeline never writes candles.
type CandleCache interface {
	// GetCandles returns candles in [start, end] ordered by time, or
	// ErrCandlesMissing when nothing is cached for the window.
	GetCandles(ctx context.Context, instrument string, start, end time.Time) ([]Candle, error)
}

// CandleWindowCache caches the candle slice aligned to one position's
// lifetime so chart views do not hit the candle store on every read.
type CandleWindowCache interface {
	Get(ctx context.Context, group GroupKey, positionID string) (CandleWindow, error)
	Set(ctx context.Context, group GroupKey, window CandleWindow) error
	// InvalidateRange drops every cached window of the group that may
	// overlap the range.
	InvalidateRange(ctx context.Context, group GroupKey, r DateRange) (int64, error)
}

// DashboardCache caches per-account daily dashboard aggregates.
type DashboardCache interface {
	Get(ctx context.Context, account string, day time.Time) (DashboardSummary, error)
	Set(ctx context.Context, summary DashboardSummary) error
	InvalidateDays(ctx context.Context, account string, r DateRange) (int64, error)
}

// ChangeEvent is published on the positions channel after a group has been
// reconciled so live chart and dashboard clients can refetch.
type ChangeEvent struct {
	Event      string    `json:"event"`
	Instrument string    `json:"instrument"`
	Account    string    `json:"account"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	At         time.Time `json:"at"`
}

// ChannelPositions is the signal bus channel carrying ChangeEvents.
const ChannelPositions = "positions"
