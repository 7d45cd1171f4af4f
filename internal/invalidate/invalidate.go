// Package invalidate drops cached views derived from positions once a group
// reconciliation has committed. Nothing is recomputed here; the next read
// repopulates the cache.
package invalidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// EventPositionsChanged is the ChangeEvent name published on the bus.
const EventPositionsChanged = "positions.changed"

// Invalidator fans an invalidation out to the chart window cache, the
// dashboard cache and the signal bus. Any of them may be nil.
type Invalidator struct {
	windows    domain.CandleWindowCache
	dashboards domain.DashboardCache
	bus        domain.SignalBus
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Invalidator.
func New(windows domain.CandleWindowCache, dashboards domain.DashboardCache, bus domain.SignalBus, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{
		windows:    windows,
		dashboards: dashboards,
		bus:        bus,
		logger:     logger.With(slog.String("component", "invalidator")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Invalidate must only be called after the group's positions are committed.
// Every target is attempted; failures are joined.
func (inv *Invalidator) Invalidate(ctx context.Context, group domain.GroupKey, affected domain.DateRange) error {
	var (
		errs          []error
		windows, days int64
	)
	if inv.windows != nil {
		n, err := inv.windows.InvalidateRange(ctx, group, affected)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalidate: candle windows: %w", err))
		}
		windows = n
	}
	if inv.dashboards != nil {
		n, err := inv.dashboards.InvalidateDays(ctx, group.Account, affected)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalidate: dashboards: %w", err))
		}
		days = n
	}
	if inv.bus != nil {
		payload, err := json.Marshal(domain.ChangeEvent{
			Event:      EventPositionsChanged,
			Instrument: group.Instrument,
			Account:    group.Account,
			From:       affected.From,
			To:         affected.To,
			At:         inv.now(),
		})
		if err == nil {
			err = inv.bus.Publish(ctx, domain.ChannelPositions, payload)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("invalidate: publish: %w", err))
		}
	}

	inv.logger.DebugContext(ctx, "caches invalidated",
		slog.String("group", group.String()),
		slog.Time("from", affected.From),
		slog.Time("to", affected.To),
		slog.Int64("windows", windows),
		slog.Int64("dashboard_days", days),
	)
	return errors.Join(errs...)
}
