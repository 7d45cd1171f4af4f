// Package service implements the read side: position charts with aligned
// candles and per-account daily dashboards, both cache-aside.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// MarkerKind labels a chart marker.
type MarkerKind string

const (
	MarkerEntry MarkerKind = "entry"
	MarkerExit  MarkerKind = "exit"
)

// Marker places one side of an execution pair on the chart. CandleTime is
// the open time of the bar the fill falls into, or zero when no bar covers
// it.
type Marker struct {
	Kind       MarkerKind `json:"kind"`
	Pair       int        `json:"pair"`
	Time       time.Time  `json:"time"`
	CandleTime time.Time  `json:"candle_time,omitempty"`
	Price      string     `json:"price"`
	Quantity   int64      `json:"quantity"`
}

// PositionChart is everything a chart view needs for one position.
type PositionChart struct {
	Position domain.Position     `json:"position"`
	Window   domain.CandleWindow `json:"window"`
	Markers  []Marker            `json:"markers"`
}

// ChartService assembles position charts. candles and windows may be nil;
// without a candle store every window is reported missing.
type ChartService struct {
	positions domain.PositionStore
	candles   domain.CandleCache
	windows   domain.CandleWindowCache
	padding   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewChartService creates a ChartService. padding widens the candle window
// on both sides of the position's lifetime.
func NewChartService(
	positions domain.PositionStore,
	candles domain.CandleCache,
	windows domain.CandleWindowCache,
	padding time.Duration,
	logger *slog.Logger,
) *ChartService {
	return &ChartService{
		positions: positions,
		candles:   candles,
		windows:   windows,
		padding:   padding,
		logger:    logger.With(slog.String("component", "chart_service")),
		now:       time.Now,
	}
}

// PositionChart loads a position, its candle window and its pair markers.
func (s *ChartService) PositionChart(ctx context.Context, id string) (PositionChart, error) {
	pos, err := s.positions.GetPosition(ctx, id)
	if err != nil {
		return PositionChart{}, fmt.Errorf("chart_service: get position %s: %w", id, err)
	}

	window, err := s.window(ctx, pos)
	if err != nil {
		return PositionChart{}, err
	}

	return PositionChart{
		Position: pos,
		Window:   window,
		Markers:  markers(pos.Pairs, window.Candles),
	}, nil
}

func (s *ChartService) window(ctx context.Context, pos domain.Position) (domain.CandleWindow, error) {
	start, end := s.bounds(pos)
	group := pos.Group()
	closed := pos.Status == domain.PositionStatusClosed

	if s.windows != nil && closed {
		w, err := s.windows.Get(ctx, group, pos.ID)
		switch {
		case err == nil && w.Start.Equal(start) && w.End.Equal(end):
			return w, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			s.logger.WarnContext(ctx, "window cache read failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	w := domain.CandleWindow{PositionID: pos.ID, Start: start, End: end, Candles: []domain.Candle{}}
	if s.candles == nil {
		w.Missing = true
		return w, nil
	}

	candles, err := s.candles.GetCandles(ctx, pos.Instrument, start, end)
	switch {
	case errors.Is(err, domain.ErrCandlesMissing):
		// Not cached: candles may still be acquired later.
		w.Missing = true
		return w, nil
	case err != nil:
		return domain.CandleWindow{}, fmt.Errorf("chart_service: get candles %s: %w", pos.Instrument, err)
	}
	w.Candles = candles

	// Open positions keep growing, so only closed windows are cached.
	if s.windows != nil && closed {
		if err := s.windows.Set(ctx, group, w); err != nil {
			s.logger.WarnContext(ctx, "window cache write failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return w, nil
}

// bounds returns the padded candle window for a position. Open positions
// extend to now.
func (s *ChartService) bounds(pos domain.Position) (time.Time, time.Time) {
	end := pos.LastActivity()
	if pos.Status == domain.PositionStatusOpen {
		end = s.now().UTC()
	}
	return pos.EntryTime.Add(-s.padding), end.Add(s.padding)
}

// markers turns pairs into entry/exit markers snapped to the candle that
// contains each fill.
func markers(pairs []domain.ExecutionPair, candles []domain.Candle) []Marker {
	out := make([]Marker, 0, 2*len(pairs))
	for i, p := range pairs {
		out = append(out,
			Marker{Kind: MarkerEntry, Pair: i, Time: p.EntryTime, CandleTime: candleAt(candles, p.EntryTime), Price: p.EntryPrice.String(), Quantity: p.Quantity},
			Marker{Kind: MarkerExit, Pair: i, Time: p.ExitTime, CandleTime: candleAt(candles, p.ExitTime), Price: p.ExitPrice.String(), Quantity: p.Quantity},
		)
	}
	return out
}

// candleAt returns the open time of the last candle opening at or before t.
// Fills after the last bar snap to it only if they fall within one bar
// interval of it.
func candleAt(candles []domain.Candle, t time.Time) time.Time {
	if len(candles) == 0 {
		return time.Time{}
	}
	i := sort.Search(len(candles), func(i int) bool { return candles[i].Time.After(t) })
	if i == 0 {
		return time.Time{}
	}
	bar := candles[i-1]
	if i == len(candles) && len(candles) > 1 {
		interval := candles[1].Time.Sub(candles[0].Time)
		if t.Sub(bar.Time) >= interval {
			return time.Time{}
		}
	}
	return bar.Time
}
