package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// CandleStore implements domain.CandleCache over the candle sets written by
// the market data acquisition job. It never writes.
//
// Key schema:
//
//	candles:{instrument} - sorted set, score = bar open (unix seconds),
//	                       member = JSON-encoded domain.Candle
type CandleStore struct {
	rdb *redis.Client
}

// NewCandleStore creates a CandleStore backed by the given Client.
func NewCandleStore(c *Client) *CandleStore {
	return &CandleStore{rdb: c.Underlying()}
}

func candlesKey(instrument string) string { return "candles:" + instrument }

// GetCandles returns the bars opening in [start, end] ordered by time. It
// returns domain.ErrCandlesMissing when none are cached.
func (cs *CandleStore) GetCandles(ctx context.Context, instrument string, start, end time.Time) ([]domain.Candle, error) {
	members, err := cs.rdb.ZRangeByScore(ctx, candlesKey(instrument), &redis.ZRangeBy{
		Min: strconv.FormatInt(start.Unix(), 10),
		Max: strconv.FormatInt(end.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get candles %s: %w", instrument, err)
	}
	if len(members) == 0 {
		return nil, domain.ErrCandlesMissing
	}

	candles := make([]domain.Candle, 0, len(members))
	for _, m := range members {
		var c domain.Candle
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			return nil, fmt.Errorf("redis: unmarshal candle %s: %w", instrument, err)
		}
		c.Time = c.Time.UTC()
		candles = append(candles, c)
	}
	return candles, nil
}

// Compile-time interface check.
var _ domain.CandleCache = (*CandleStore)(nil)
