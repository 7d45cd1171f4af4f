package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/matcher"
	"github.com/alanyoungcy/tradeledger/internal/store/memory"
)

var (
	group = domain.GroupKey{Instrument: "ESZ4", Account: "SIM101"}
	t0    = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fill struct {
	side  domain.Side
	qty   int64
	price string
	at    time.Duration
}

// seed matches fills for the test group and stores the result.
func seed(t *testing.T, store *memory.PositionStore, g domain.GroupKey, fills ...fill) []domain.Position {
	t.Helper()
	execs := make([]domain.Execution, len(fills))
	for i, f := range fills {
		execs[i] = domain.Execution{
			RawExecution: domain.RawExecution{
				Instrument:   g.Instrument,
				Account:      g.Account,
				Side:         f.side,
				Quantity:     f.qty,
				Price:        decimal.RequireFromString(f.price),
				Timestamp:    t0.Add(f.at),
				SourceFile:   "fills.csv",
				SourceLine:   i + 2,
				SourceRowKey: fmt.Sprintf("%s-row-%d", g, i),
			},
			Seq: int64(i + 1),
		}
	}
	positions, err := matcher.New(matcher.NewPointValues(map[string]float64{"ES": 50})).Match(g, execs)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if err := store.ReplacePositions(context.Background(), g, positions, execs, nil); err != nil {
		t.Fatalf("ReplacePositions: %v", err)
	}
	return positions
}

type fakeCandles struct {
	candles []domain.Candle
	calls   int
	err     error
}

func (f *fakeCandles) GetCandles(_ context.Context, _ string, start, end time.Time) ([]domain.Candle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Candle
	for _, c := range f.candles {
		if !c.Time.Before(start) && !c.Time.After(end) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, domain.ErrCandlesMissing
	}
	return out, nil
}

func minuteBars(from time.Time, n int) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		px := decimal.NewFromInt(int64(5000 + i))
		out[i] = domain.Candle{Time: from.Add(time.Duration(i) * time.Minute), Open: px, High: px, Low: px, Close: px}
	}
	return out
}

type fakeWindows struct {
	windows map[string]domain.CandleWindow
	sets    int
}

func newFakeWindows() *fakeWindows {
	return &fakeWindows{windows: make(map[string]domain.CandleWindow)}
}

func (f *fakeWindows) Get(_ context.Context, _ domain.GroupKey, id string) (domain.CandleWindow, error) {
	w, ok := f.windows[id]
	if !ok {
		return domain.CandleWindow{}, domain.ErrNotFound
	}
	return w, nil
}

func (f *fakeWindows) Set(_ context.Context, _ domain.GroupKey, w domain.CandleWindow) error {
	f.sets++
	f.windows[w.PositionID] = w
	return nil
}

func (f *fakeWindows) InvalidateRange(context.Context, domain.GroupKey, domain.DateRange) (int64, error) {
	n := int64(len(f.windows))
	f.windows = make(map[string]domain.CandleWindow)
	return n, nil
}

func TestChartService_ClosedPositionIsCached(t *testing.T) {
	store := memory.NewPositionStore()
	positions := seed(t, store, group,
		fill{domain.SideBuy, 2, "5000", 0},
		fill{domain.SideSell, 2, "5010", 5*time.Minute + 30*time.Second},
	)
	candles := &fakeCandles{candles: minuteBars(t0.Add(-time.Hour), 180)}
	windows := newFakeWindows()
	svc := NewChartService(store, candles, windows, 10*time.Minute, testLogger())

	chart, err := svc.PositionChart(context.Background(), positions[0].ID)
	if err != nil {
		t.Fatalf("PositionChart: %v", err)
	}
	if chart.Window.Missing {
		t.Error("window reported missing")
	}
	if got, want := chart.Window.Start, t0.Add(-10*time.Minute); !got.Equal(want) {
		t.Errorf("window start = %v, want %v", got, want)
	}
	if got, want := len(chart.Window.Candles), 26; got != want {
		t.Errorf("candles = %d, want %d", got, want)
	}
	if len(chart.Markers) != 2 {
		t.Fatalf("markers = %d, want 2", len(chart.Markers))
	}
	if got, want := chart.Markers[1].CandleTime, t0.Add(5*time.Minute); !got.Equal(want) {
		t.Errorf("exit marker candle = %v, want %v", got, want)
	}

	if _, err := svc.PositionChart(context.Background(), positions[0].ID); err != nil {
		t.Fatalf("second PositionChart: %v", err)
	}
	if candles.calls != 1 {
		t.Errorf("candle store calls = %d, want 1 (second read served from window cache)", candles.calls)
	}
	if windows.sets != 1 {
		t.Errorf("window sets = %d, want 1", windows.sets)
	}
}

func TestChartService_InvalidatedWindowIsRebuilt(t *testing.T) {
	store := memory.NewPositionStore()
	positions := seed(t, store, group,
		fill{domain.SideSell, 1, "5000", 0},
		fill{domain.SideBuy, 1, "4990", time.Minute},
	)
	candles := &fakeCandles{candles: minuteBars(t0.Add(-time.Hour), 180)}
	windows := newFakeWindows()
	svc := NewChartService(store, candles, windows, time.Minute, testLogger())

	if _, err := svc.PositionChart(context.Background(), positions[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := windows.InvalidateRange(context.Background(), group, domain.DateRange{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PositionChart(context.Background(), positions[0].ID); err != nil {
		t.Fatal(err)
	}
	if candles.calls != 2 {
		t.Errorf("candle store calls = %d, want 2", candles.calls)
	}
}

func TestChartService_MissingCandlesAreNotCached(t *testing.T) {
	store := memory.NewPositionStore()
	positions := seed(t, store, group,
		fill{domain.SideBuy, 1, "5000", 0},
		fill{domain.SideSell, 1, "5001", time.Minute},
	)
	windows := newFakeWindows()
	svc := NewChartService(store, &fakeCandles{}, windows, time.Minute, testLogger())

	chart, err := svc.PositionChart(context.Background(), positions[0].ID)
	if err != nil {
		t.Fatalf("PositionChart: %v", err)
	}
	if !chart.Window.Missing {
		t.Error("expected Missing window")
	}
	if chart.Window.Candles == nil {
		t.Error("candles should be an empty slice, not nil")
	}
	if !chart.Markers[0].CandleTime.IsZero() {
		t.Errorf("marker snapped to %v without candles", chart.Markers[0].CandleTime)
	}
	if windows.sets != 0 {
		t.Errorf("missing window was cached")
	}
}

func TestChartService_OpenPositionExtendsToNow(t *testing.T) {
	store := memory.NewPositionStore()
	positions := seed(t, store, group, fill{domain.SideBuy, 3, "5000", 0})
	windows := newFakeWindows()
	svc := NewChartService(store, &fakeCandles{candles: minuteBars(t0, 10)}, windows, time.Minute, testLogger())
	now := t0.Add(2 * time.Hour)
	svc.now = func() time.Time { return now }

	chart, err := svc.PositionChart(context.Background(), positions[0].ID)
	if err != nil {
		t.Fatalf("PositionChart: %v", err)
	}
	if !chart.Window.End.Equal(now.Add(time.Minute)) {
		t.Errorf("window end = %v, want %v", chart.Window.End, now.Add(time.Minute))
	}
	if windows.sets != 0 {
		t.Error("open position window should not be cached")
	}
}

func TestChartService_CandleErrorAndUnknownPosition(t *testing.T) {
	store := memory.NewPositionStore()
	positions := seed(t, store, group,
		fill{domain.SideBuy, 1, "5000", 0},
		fill{domain.SideSell, 1, "5001", time.Minute},
	)
	boom := errors.New("redis down")
	svc := NewChartService(store, &fakeCandles{err: boom}, nil, time.Minute, testLogger())

	if _, err := svc.PositionChart(context.Background(), positions[0].ID); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped candle error", err)
	}
	if _, err := svc.PositionChart(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCandleAt(t *testing.T) {
	bars := minuteBars(t0, 3)
	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{"before first bar", t0.Add(-time.Second), time.Time{}},
		{"on bar open", t0.Add(time.Minute), t0.Add(time.Minute)},
		{"inside bar", t0.Add(90 * time.Second), t0.Add(time.Minute)},
		{"inside last bar", t0.Add(2*time.Minute + 59*time.Second), t0.Add(2 * time.Minute)},
		{"past last bar", t0.Add(3*time.Minute + time.Second), time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := candleAt(bars, tt.at); !got.Equal(tt.want) {
				t.Errorf("candleAt = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeDashboards struct {
	entries map[string]domain.DashboardSummary
	gets    int
}

func (f *fakeDashboards) key(account string, day time.Time) string {
	return account + "|" + day.Format(time.DateOnly)
}

func (f *fakeDashboards) Get(_ context.Context, account string, day time.Time) (domain.DashboardSummary, error) {
	f.gets++
	s, ok := f.entries[f.key(account, day)]
	if !ok {
		return domain.DashboardSummary{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeDashboards) Set(_ context.Context, s domain.DashboardSummary) error {
	f.entries[f.key(s.Account, s.Day)] = s
	return nil
}

func (f *fakeDashboards) InvalidateDays(context.Context, string, domain.DateRange) (int64, error) {
	return 0, nil
}

func TestDashboardService_Summary(t *testing.T) {
	store := memory.NewPositionStore()
	seed(t, store, group,
		// Winner: +10 points on 2 contracts.
		fill{domain.SideBuy, 2, "5000", 0},
		fill{domain.SideSell, 2, "5010", time.Minute},
		// Loser: -4 points on 1 contract.
		fill{domain.SideSell, 1, "5020", time.Hour},
		fill{domain.SideBuy, 1, "5024", time.Hour + time.Minute},
		// Closes the next day.
		fill{domain.SideBuy, 1, "5000", 12 * time.Hour},
		fill{domain.SideSell, 1, "5002", 24 * time.Hour},
		// Still open.
		fill{domain.SideBuy, 1, "5000", 25 * time.Hour},
	)
	seed(t, store, domain.GroupKey{Instrument: "NQZ4", Account: "SIM101"},
		fill{domain.SideBuy, 1, "18000", 2 * time.Hour},
		fill{domain.SideSell, 1, "18001", 2*time.Hour + time.Minute},
	)
	seed(t, store, domain.GroupKey{Instrument: "ESZ4", Account: "OTHER"},
		fill{domain.SideBuy, 1, "5000", 0},
		fill{domain.SideSell, 1, "5100", time.Minute},
	)

	cache := &fakeDashboards{entries: make(map[string]domain.DashboardSummary)}
	svc := NewDashboardService(store, cache, testLogger())

	sum, err := svc.Summary(context.Background(), "SIM101", t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Positions != 3 || sum.Winners != 2 || sum.Losers != 1 {
		t.Errorf("positions/winners/losers = %d/%d/%d, want 3/2/1", sum.Positions, sum.Winners, sum.Losers)
	}
	if sum.Contracts != 4 {
		t.Errorf("contracts = %d, want 4", sum.Contracts)
	}
	// ES: 20 - 4 = 16 points; NQ: 1 point.
	if !sum.PointsPnL.Equal(decimal.NewFromInt(17)) {
		t.Errorf("points = %s, want 17", sum.PointsPnL)
	}
	if len(sum.Instruments) != 2 || sum.Instruments[0] != "ESZ4" || sum.Instruments[1] != "NQZ4" {
		t.Errorf("instruments = %v, want [ESZ4 NQZ4]", sum.Instruments)
	}
	if !sum.Day.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day = %v, want 2024-03-04", sum.Day)
	}

	if _, ok := cache.entries["SIM101|2024-03-04"]; !ok {
		t.Fatal("summary was not cached")
	}
	cache.entries["SIM101|2024-03-04"] = domain.DashboardSummary{Account: "SIM101", Positions: 99}
	again, err := svc.Summary(context.Background(), "SIM101", t0)
	if err != nil {
		t.Fatal(err)
	}
	if again.Positions != 99 {
		t.Errorf("second read did not come from cache: %d positions", again.Positions)
	}
}

func TestDashboardService_NoCache(t *testing.T) {
	svc := NewDashboardService(memory.NewPositionStore(), nil, testLogger())
	sum, err := svc.Summary(context.Background(), "SIM101", t0)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Positions != 0 || !sum.DollarPnL.IsZero() || sum.Instruments == nil {
		t.Errorf("empty summary = %+v", sum)
	}
}
