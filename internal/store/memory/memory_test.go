package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

var (
	esGroup = domain.GroupKey{Instrument: "ESZ4", Account: "SIM101"}
	t0      = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
)

func exec(key string, at time.Duration) domain.Execution {
	return domain.Execution{RawExecution: domain.RawExecution{
		Instrument:   esGroup.Instrument,
		Account:      esGroup.Account,
		Side:         domain.SideBuy,
		Quantity:     1,
		Price:        decimal.NewFromInt(5000),
		Timestamp:    t0.Add(at),
		SourceRowKey: key,
	}}
}

func openPosition(id string, entry time.Time) domain.Position {
	return domain.Position{
		ID:            id,
		Instrument:    esGroup.Instrument,
		Account:       esGroup.Account,
		Direction:     domain.DirectionLong,
		Status:        domain.PositionStatusOpen,
		EntryTime:     entry,
		EntryQuantity: 1,
		OpenQuantity:  1,
		AvgEntryPrice: decimal.NewFromInt(5000),
		PointValue:    decimal.NewFromInt(50),
	}
}

func TestPositionStore_AppendIsIdempotentAndOrdered(t *testing.T) {
	s := NewPositionStore()
	ctx := context.Background()

	first := []domain.Execution{exec("b", 0), exec("a", 0)}
	if err := s.ReplacePositions(ctx, esGroup, nil, first, nil); err != nil {
		t.Fatal(err)
	}
	// Re-appending a committed key is a no-op.
	if err := s.ReplacePositions(ctx, esGroup, nil, []domain.Execution{exec("a", 0), exec("c", -time.Minute)}, nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetExecutions(ctx, esGroup)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, e := range got {
		keys = append(keys, e.SourceRowKey)
	}
	want := []string{"c", "b", "a"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys = %v, want %v", keys, want)
			break
		}
	}
}

func TestPositionStore_RemovedRowsAreDropped(t *testing.T) {
	s := NewPositionStore()
	ctx := context.Background()
	_ = s.ReplacePositions(ctx, esGroup, nil, []domain.Execution{exec("a", 0), exec("b", time.Second)}, nil)

	if err := s.ReplacePositions(ctx, esGroup, nil, nil, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetExecutions(ctx, esGroup)
	if len(got) != 1 || got[0].SourceRowKey != "b" {
		t.Errorf("executions = %+v, want only b", got)
	}
	// A removed key can be appended again.
	_ = s.ReplacePositions(ctx, esGroup, nil, []domain.Execution{exec("a", 0)}, nil)
	if got, _ := s.GetExecutions(ctx, esGroup); len(got) != 2 {
		t.Errorf("executions = %d, want 2", len(got))
	}
}

func TestDedupLedger_Forget(t *testing.T) {
	l := NewDedupLedger()
	ctx := context.Background()
	_ = l.MarkCommitted(ctx, []string{"a", "b"}, "day1.csv")

	if err := l.Forget(ctx, []string{"a", "missing"}); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Committed(ctx, []string{"a", "b"})
	if got["a"] || !got["b"] {
		t.Errorf("Committed() = %v, want only b", got)
	}
	if n, _ := l.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestPositionStore_InvariantViolationLeavesStateUntouched(t *testing.T) {
	s := NewPositionStore()
	ctx := context.Background()
	good := openPosition("p1", t0)
	if err := s.ReplacePositions(ctx, esGroup, []domain.Position{good}, []domain.Execution{exec("a", 0)}, nil); err != nil {
		t.Fatal(err)
	}

	bad := openPosition("p2", t0)
	bad.OpenQuantity = 5
	err := s.ReplacePositions(ctx, esGroup, []domain.Position{bad}, []domain.Execution{exec("z", 0)}, nil)
	var violation *domain.MatchingInvariantViolation
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want MatchingInvariantViolation", err)
	}

	if _, err := s.GetPosition(ctx, "p1"); err != nil {
		t.Errorf("p1 lost: %v", err)
	}
	if _, err := s.GetPosition(ctx, "p2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("p2 err = %v, want ErrNotFound", err)
	}
	if got, _ := s.GetExecutions(ctx, esGroup); len(got) != 1 {
		t.Errorf("executions = %d, want 1", len(got))
	}
}

func TestPositionStore_ListFilters(t *testing.T) {
	s := NewPositionStore()
	ctx := context.Background()
	_ = s.ReplacePositions(ctx, esGroup, []domain.Position{openPosition("p1", t0), openPosition("p2", t0.Add(48*time.Hour))}, nil, nil)
	nq := domain.GroupKey{Instrument: "NQZ4", Account: "SIM101"}
	other := openPosition("p3", t0)
	other.Instrument = nq.Instrument
	_ = s.ReplacePositions(ctx, nq, []domain.Position{other}, nil, nil)

	all, _ := s.ListPositions(ctx, domain.PositionFilter{})
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
	es, _ := s.ListPositions(ctx, domain.PositionFilter{Instrument: "ESZ4"})
	if len(es) != 2 || es[0].ID != "p1" {
		t.Errorf("ES positions = %+v", es)
	}
	to := t0.Add(time.Hour)
	early, _ := s.ListPositions(ctx, domain.PositionFilter{Instrument: "ESZ4", ActiveTo: &to})
	if len(early) != 1 || early[0].ID != "p1" {
		t.Errorf("active before %v = %+v", to, early)
	}
	paged, _ := s.ListPositions(ctx, domain.PositionFilter{Limit: 1, Offset: 1})
	if len(paged) != 1 {
		t.Errorf("paged = %d, want 1", len(paged))
	}
}

func TestImportLedger_LatestAndFindByRange(t *testing.T) {
	l := NewImportLedger()
	ctx := context.Background()
	first, last := t0, t0.Add(time.Hour)

	_ = l.Append(ctx, domain.ImportRecord{ID: "1", Path: "a.csv", Status: domain.ImportStatusSuccess,
		Instruments: []string{"ESZ4"}, FirstExecution: &first, LastExecution: &last})
	_ = l.Append(ctx, domain.ImportRecord{ID: "2", Path: "b.csv", Status: domain.ImportStatusFailed})
	_ = l.Append(ctx, domain.ImportRecord{ID: "3", Path: "a.csv", Status: domain.ImportStatusPartial,
		Instruments: []string{"ESZ4"}, FirstExecution: &first, LastExecution: &last})

	rec, err := l.Latest(ctx, "a.csv")
	if err != nil || rec.ID != "3" {
		t.Errorf("Latest = %+v, %v; want record 3", rec, err)
	}
	if _, err := l.Latest(ctx, "missing.csv"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Latest(missing) err = %v, want ErrNotFound", err)
	}

	found, _ := l.FindByRange(ctx, "ESZ4", domain.DateRange{From: t0.Add(30 * time.Minute), To: t0.Add(2 * time.Hour)})
	if len(found) != 1 || found[0].ID != "3" {
		t.Errorf("FindByRange = %+v, want [3]", found)
	}
	none, _ := l.FindByRange(ctx, "NQZ4", domain.DateRange{})
	if len(none) != 0 {
		t.Errorf("FindByRange(NQZ4) = %+v, want none", none)
	}
	later, _ := l.FindByRange(ctx, "", domain.DateRange{From: t0.Add(2 * time.Hour)})
	if len(later) != 0 {
		t.Errorf("FindByRange(after) = %+v, want none", later)
	}

	list, _ := l.List(ctx, domain.ListOpts{})
	if len(list) != 3 || list[0].ID != "3" {
		t.Errorf("List = %+v, want newest first", list)
	}
}

func TestSignalBus_PatternDelivery(t *testing.T) {
	bus := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exact, _ := bus.Subscribe(ctx, "positions")
	pattern, _ := bus.Subscribe(ctx, "pos*")
	other, _ := bus.Subscribe(ctx, "imports")

	if err := bus.Publish(ctx, "positions", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	for name, ch := range map[string]<-chan []byte{"exact": exact, "pattern": pattern} {
		select {
		case msg := <-ch:
			if string(msg) != "hello" {
				t.Errorf("%s got %q", name, msg)
			}
		case <-time.After(time.Second):
			t.Errorf("%s subscriber got nothing", name)
		}
	}
	select {
	case msg := <-other:
		t.Errorf("unrelated subscriber got %q", msg)
	default:
	}

	cancel()
	select {
	case _, ok := <-exact:
		if ok {
			t.Error("channel still open after cancel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after cancel")
	}
}
