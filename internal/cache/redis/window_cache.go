package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// WindowCache implements domain.CandleWindowCache. Each window is stored as
// JSON with a TTL and indexed twice so a date range can find the windows it
// overlaps.
//
// Key schema:
//
//	chart:{instrument}:{account}:{positionID} - JSON CandleWindow
//	chart:idx:start:{instrument}:{account}     - sorted set, score = window start
//	chart:idx:end:{instrument}:{account}       - sorted set, score = window end
type WindowCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewWindowCache creates a WindowCache whose entries expire after ttl.
func NewWindowCache(c *Client, ttl time.Duration) *WindowCache {
	return &WindowCache{rdb: c.Underlying(), ttl: ttl}
}

func windowKey(g domain.GroupKey, positionID string) string {
	return "chart:" + g.Instrument + ":" + g.Account + ":" + positionID
}

func windowStartIdx(g domain.GroupKey) string {
	return "chart:idx:start:" + g.Instrument + ":" + g.Account
}

func windowEndIdx(g domain.GroupKey) string {
	return "chart:idx:end:" + g.Instrument + ":" + g.Account
}

// Get returns the cached window or domain.ErrNotFound.
func (wc *WindowCache) Get(ctx context.Context, group domain.GroupKey, positionID string) (domain.CandleWindow, error) {
	data, err := wc.rdb.Get(ctx, windowKey(group, positionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CandleWindow{}, domain.ErrNotFound
		}
		return domain.CandleWindow{}, fmt.Errorf("redis: get window %s: %w", positionID, err)
	}

	var w domain.CandleWindow
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.CandleWindow{}, fmt.Errorf("redis: unmarshal window %s: %w", positionID, err)
	}
	return w, nil
}

// Set stores a window and indexes it by its bounds.
func (wc *WindowCache) Set(ctx context.Context, group domain.GroupKey, w domain.CandleWindow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("redis: marshal window %s: %w", w.PositionID, err)
	}

	pipe := wc.rdb.TxPipeline()
	pipe.Set(ctx, windowKey(group, w.PositionID), data, wc.ttl)
	pipe.ZAdd(ctx, windowStartIdx(group), redis.Z{Score: float64(w.Start.Unix()), Member: w.PositionID})
	pipe.ZAdd(ctx, windowEndIdx(group), redis.Z{Score: float64(w.End.Unix()), Member: w.PositionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set window %s: %w", w.PositionID, err)
	}
	return nil
}

// InvalidateRange drops every window of the group with start <= r.To and
// end >= r.From. Unset bounds are open.
func (wc *WindowCache) InvalidateRange(ctx context.Context, group domain.GroupKey, r domain.DateRange) (int64, error) {
	startedBefore, err := wc.rdb.ZRangeByScore(ctx, windowStartIdx(group), &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreBound(r.To, "+inf"),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: scan window index %s: %w", group, err)
	}
	endedAfter, err := wc.rdb.ZRangeByScore(ctx, windowEndIdx(group), &redis.ZRangeBy{
		Min: scoreBound(r.From, "-inf"),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: scan window index %s: %w", group, err)
	}

	ids := overlapping(startedBefore, endedAfter)
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = windowKey(group, id)
		members[i] = id
	}

	pipe := wc.rdb.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, windowStartIdx(group), members...)
	pipe.ZRem(ctx, windowEndIdx(group), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: invalidate windows %s: %w", group, err)
	}
	return del.Val(), nil
}

func scoreBound(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return strconv.FormatInt(t.Unix(), 10)
}

// overlapping returns the ids present in both lists, in the order of a.
func overlapping(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, id := range b {
		in[id] = true
	}
	var out []string
	for _, id := range a {
		if in[id] {
			out = append(out, id)
		}
	}
	return out
}

// Compile-time interface check.
var _ domain.CandleWindowCache = (*WindowCache)(nil)
