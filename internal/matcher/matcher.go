// Package matcher turns the execution history of one (instrument, account)
// group into positions using FIFO lot matching.
package matcher

import (
	"sort"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// positionNamespace seeds the name-based position ids.
var positionNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("positions.tradeledger"))

// avgPlaces is the scale of reported average prices.
const avgPlaces = 8

// lot is an open entry waiting for an exit.
type lot struct {
	entry     domain.Execution
	remaining int64
}

// Matcher recomputes positions from full group history. It holds no state
// between calls.
type Matcher struct {
	points PointValues
}

// New creates a Matcher using the given point value table.
func New(points PointValues) *Matcher {
	if points == nil {
		points = PointValues{}
	}
	return &Matcher{points: points}
}

// Match sorts execs by (timestamp, seq) and replays them. Every returned
// position has passed CheckInvariants. The output depends only on the
// input set, so calling Match twice on the same executions yields identical
// positions.
func (m *Matcher) Match(group domain.GroupKey, execs []domain.Execution) ([]domain.Position, error) {
	sorted := make([]domain.Execution, len(execs))
	copy(sorted, execs)
	SortExecutions(sorted)

	pointValue := m.points.For(group.Instrument)
	var (
		out []domain.Position
		cur *builder
	)
	for _, e := range sorted {
		remaining := e.Quantity

		if cur != nil && domain.DirectionOf(e.Side) != cur.pos.Direction {
			remaining = cur.reduce(e)
			if len(cur.lots) == 0 {
				out = append(out, cur.close(e))
				cur = nil
			}
		}
		// A flipping fill counts in both the position it closes and the
		// one it opens.
		if remaining > 0 {
			if cur == nil {
				cur = open(group, e, pointValue)
			}
			cur.push(e, remaining)
		}
	}
	if cur != nil {
		out = append(out, cur.finish())
	}

	for _, p := range out {
		if err := p.CheckInvariants(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SortExecutions orders executions by timestamp, breaking ties by ingestion
// sequence. The sort is stable, so equal (timestamp, seq) keep input order.
func SortExecutions(execs []domain.Execution) {
	sort.SliceStable(execs, func(i, j int) bool {
		a, b := execs[i], execs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Seq < b.Seq
	})
}

type builder struct {
	pos        domain.Position
	lots       []lot
	entryValue decimal.Decimal
	exitValue  decimal.Decimal
}

func open(group domain.GroupKey, first domain.Execution, pointValue decimal.Decimal) *builder {
	id := uuid.NewSHA1(positionNamespace, []byte(group.String()+"|"+first.SourceRowKey))
	return &builder{
		pos: domain.Position{
			ID:         id.String(),
			Instrument: group.Instrument,
			Account:    group.Account,
			Direction:  domain.DirectionOf(first.Side),
			EntryTime:  first.Timestamp,
			Status:     domain.PositionStatusOpen,
			PointValue: pointValue,
			PointsPnL:  decimal.Zero,
			DollarPnL:  decimal.Zero,
		},
		entryValue: decimal.Zero,
		exitValue:  decimal.Zero,
	}
}

// push adds qty of e as a new lot at the back of the queue.
func (b *builder) push(e domain.Execution, qty int64) {
	b.lots = append(b.lots, lot{entry: e, remaining: qty})
	b.pos.EntryQuantity += qty
	b.pos.OpenQuantity += qty
	b.entryValue = b.entryValue.Add(e.Price.Mul(decimal.NewFromInt(qty)))
	b.pos.ExecutionCount++
}

// reduce consumes lots oldest first against e and returns the quantity of e
// left over once the queue is empty.
func (b *builder) reduce(e domain.Execution) int64 {
	remaining := e.Quantity
	sign := decimal.NewFromInt(b.pos.Direction.Sign())
	for remaining > 0 && len(b.lots) > 0 {
		head := &b.lots[0]
		qty := min(head.remaining, remaining)
		q := decimal.NewFromInt(qty)

		points := e.Price.Sub(head.entry.Price).Mul(sign).Mul(q)
		b.pos.Pairs = append(b.pos.Pairs, domain.ExecutionPair{
			EntryTime:  head.entry.Timestamp,
			EntryPrice: head.entry.Price,
			ExitTime:   e.Timestamp,
			ExitPrice:  e.Price,
			Quantity:   qty,
			PointsPnL:  points,
			DollarPnL:  points.Mul(b.pos.PointValue),
			Duration:   e.Timestamp.Sub(head.entry.Timestamp),
		})
		b.pos.TotalQuantity += qty
		b.pos.OpenQuantity -= qty
		b.pos.PointsPnL = b.pos.PointsPnL.Add(points)
		b.pos.DollarPnL = b.pos.DollarPnL.Add(points.Mul(b.pos.PointValue))
		b.exitValue = b.exitValue.Add(e.Price.Mul(q))

		head.remaining -= qty
		remaining -= qty
		if head.remaining == 0 {
			b.lots = b.lots[1:]
		}
	}
	b.pos.ExecutionCount++
	return remaining
}

func (b *builder) close(e domain.Execution) domain.Position {
	exit := e.Timestamp
	b.pos.ExitTime = &exit
	b.pos.Status = domain.PositionStatusClosed
	return b.finish()
}

func (b *builder) finish() domain.Position {
	if b.pos.EntryQuantity > 0 {
		b.pos.AvgEntryPrice = b.entryValue.Div(decimal.NewFromInt(b.pos.EntryQuantity)).Round(avgPlaces)
	}
	if b.pos.TotalQuantity > 0 {
		b.pos.AvgExitPrice = b.exitValue.Div(decimal.NewFromInt(b.pos.TotalQuantity)).Round(avgPlaces)
	}
	return b.pos
}
