package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// DashboardService computes per-account daily summaries of closed positions,
// cache-aside over a DashboardCache when one is configured.
type DashboardService struct {
	positions domain.PositionStore
	cache     domain.DashboardCache
	logger    *slog.Logger
}

// NewDashboardService creates a DashboardService. cache may be nil.
func NewDashboardService(positions domain.PositionStore, cache domain.DashboardCache, logger *slog.Logger) *DashboardService {
	return &DashboardService{
		positions: positions,
		cache:     cache,
		logger:    logger.With(slog.String("component", "dashboard_service")),
	}
}

// Summary returns the summary of positions the account closed on the UTC
// day containing day.
func (s *DashboardService) Summary(ctx context.Context, account string, day time.Time) (domain.DashboardSummary, error) {
	day = day.UTC().Truncate(24 * time.Hour)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, account, day)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "dashboard cache read failed",
				slog.String("account", account),
				slog.String("error", err.Error()),
			)
		}
	}

	end := day.Add(24 * time.Hour)
	last := end.Add(-time.Nanosecond)
	positions, err := s.positions.ListPositions(ctx, domain.PositionFilter{
		Account:    account,
		Status:     domain.PositionStatusClosed,
		ActiveFrom: &day,
		ActiveTo:   &last,
	})
	if err != nil {
		return domain.DashboardSummary{}, fmt.Errorf("dashboard_service: list positions %s: %w", account, err)
	}

	summary := summarize(account, day, end, positions)

	if s.cache != nil {
		if err := s.cache.Set(ctx, summary); err != nil {
			s.logger.WarnContext(ctx, "dashboard cache write failed",
				slog.String("account", account),
				slog.String("error", err.Error()),
			)
		}
	}
	return summary, nil
}

// summarize aggregates the positions whose exit falls in [day, end).
func summarize(account string, day, end time.Time, positions []domain.Position) domain.DashboardSummary {
	sum := domain.DashboardSummary{
		Account:     account,
		Day:         day,
		PointsPnL:   decimal.Zero,
		DollarPnL:   decimal.Zero,
		Instruments: []string{},
	}
	seen := make(map[string]bool)
	for _, p := range positions {
		if p.ExitTime == nil || p.ExitTime.Before(day) || !p.ExitTime.Before(end) {
			continue
		}
		sum.Positions++
		switch p.DollarPnL.Sign() {
		case 1:
			sum.Winners++
		case -1:
			sum.Losers++
		}
		sum.Contracts += p.TotalQuantity
		sum.PointsPnL = sum.PointsPnL.Add(p.PointsPnL)
		sum.DollarPnL = sum.DollarPnL.Add(p.DollarPnL)
		if !seen[p.Instrument] {
			seen[p.Instrument] = true
			sum.Instruments = append(sum.Instruments, p.Instrument)
		}
	}
	sort.Strings(sum.Instruments)
	return sum
}
