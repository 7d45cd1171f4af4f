package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// maxDayKeys bounds how many per-day keys InvalidateDays deletes directly.
// Wider ranges fall back to a SCAN over the account's keys.
const maxDayKeys = 366

// DashboardCache implements domain.DashboardCache.
//
// Key schema:
//
//	dashboard:{account}:{yyyy-mm-dd} - JSON DashboardSummary
type DashboardCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDashboardCache creates a DashboardCache whose entries expire after ttl.
func NewDashboardCache(c *Client, ttl time.Duration) *DashboardCache {
	return &DashboardCache{rdb: c.Underlying(), ttl: ttl}
}

func dashboardKey(account string, day time.Time) string {
	return "dashboard:" + account + ":" + day.UTC().Format(time.DateOnly)
}

// Get returns the cached summary or domain.ErrNotFound.
func (dc *DashboardCache) Get(ctx context.Context, account string, day time.Time) (domain.DashboardSummary, error) {
	data, err := dc.rdb.Get(ctx, dashboardKey(account, day)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.DashboardSummary{}, domain.ErrNotFound
		}
		return domain.DashboardSummary{}, fmt.Errorf("redis: get dashboard %s: %w", account, err)
	}

	var s domain.DashboardSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.DashboardSummary{}, fmt.Errorf("redis: unmarshal dashboard %s: %w", account, err)
	}
	return s, nil
}

// Set stores a summary under its account and day.
func (dc *DashboardCache) Set(ctx context.Context, s domain.DashboardSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis: marshal dashboard %s: %w", s.Account, err)
	}
	if err := dc.rdb.Set(ctx, dashboardKey(s.Account, s.Day), data, dc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set dashboard %s: %w", s.Account, err)
	}
	return nil
}

// InvalidateDays drops the account's summaries for every UTC day the range
// touches. An open-ended range drops all of them.
func (dc *DashboardCache) InvalidateDays(ctx context.Context, account string, r domain.DateRange) (int64, error) {
	keys, ok := dayKeys(account, r)
	if !ok {
		return dc.invalidateAll(ctx, account)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := dc.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: invalidate dashboard %s: %w", account, err)
	}
	return n, nil
}

func (dc *DashboardCache) invalidateAll(ctx context.Context, account string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	pattern := "dashboard:" + account + ":*"
	for {
		keys, next, err := dc.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis: scan dashboard %s: %w", account, err)
		}
		if len(keys) > 0 {
			n, err := dc.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis: invalidate dashboard %s: %w", account, err)
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// dayKeys lists the per-day keys covered by r. It reports false when the
// range is open or wider than maxDayKeys.
func dayKeys(account string, r domain.DateRange) ([]string, bool) {
	if r.From.IsZero() || r.To.IsZero() {
		return nil, false
	}
	from := r.From.UTC().Truncate(24 * time.Hour)
	to := r.To.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return nil, true
	}
	days := int(to.Sub(from)/(24*time.Hour)) + 1
	if days > maxDayKeys {
		return nil, false
	}
	keys := make([]string, 0, days)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		keys = append(keys, dashboardKey(account, d))
	}
	return keys, true
}

// Compile-time interface check.
var _ domain.DashboardCache = (*DashboardCache)(nil)
