package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the exposure direction of a position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign returns +1 for long and -1 for short exposure.
func (d Direction) Sign() int64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// DirectionOf returns the direction a fill opens when the group is flat.
func DirectionOf(s Side) Direction {
	if s == SideSell {
		return DirectionShort
	}
	return DirectionLong
}

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position aggregates exposure for one instrument/account from open to flat.
//
// TotalQuantity is the matched quantity (the sum of pair quantities).
// OpenQuantity is what is still waiting for an exit, and EntryQuantity is
// everything that was ever entered, so EntryQuantity = TotalQuantity +
// OpenQuantity.
type Position struct {
	ID             string          `json:"id"`
	Instrument     string          `json:"instrument"`
	Account        string          `json:"account"`
	Direction      Direction       `json:"direction"`
	EntryTime      time.Time       `json:"entry_time"`
	ExitTime       *time.Time      `json:"exit_time,omitempty"`
	EntryQuantity  int64           `json:"entry_quantity"`
	TotalQuantity  int64           `json:"total_quantity"`
	OpenQuantity   int64           `json:"open_quantity"`
	Status         PositionStatus  `json:"status"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	AvgExitPrice   decimal.Decimal `json:"avg_exit_price"`
	PointsPnL      decimal.Decimal `json:"points_pnl"`
	DollarPnL      decimal.Decimal `json:"dollar_pnl"`
	PointValue     decimal.Decimal `json:"point_value"`
	ExecutionCount int             `json:"execution_count"`
	Pairs          []ExecutionPair `json:"pairs"`
}

// Group returns the reconciliation group of the position.
func (p Position) Group() GroupKey {
	return GroupKey{Instrument: p.Instrument, Account: p.Account}
}

// LastActivity is the exit time for closed positions and the latest pair
// exit (or entry) for open ones.
func (p Position) LastActivity() time.Time {
	if p.ExitTime != nil {
		return *p.ExitTime
	}
	last := p.EntryTime
	for _, pair := range p.Pairs {
		if pair.ExitTime.After(last) {
			last = pair.ExitTime
		}
	}
	return last
}

// Equal reports whether two positions carry the same values. Decimals are
// compared numerically so a value read back from storage with a different
// scale still matches.
func (p Position) Equal(q Position) bool {
	if p.ID != q.ID || p.Instrument != q.Instrument || p.Account != q.Account ||
		p.Direction != q.Direction || p.Status != q.Status ||
		!p.EntryTime.Equal(q.EntryTime) ||
		p.EntryQuantity != q.EntryQuantity || p.TotalQuantity != q.TotalQuantity ||
		p.OpenQuantity != q.OpenQuantity || p.ExecutionCount != q.ExecutionCount ||
		!p.AvgEntryPrice.Equal(q.AvgEntryPrice) || !p.AvgExitPrice.Equal(q.AvgExitPrice) ||
		!p.PointsPnL.Equal(q.PointsPnL) || !p.DollarPnL.Equal(q.DollarPnL) ||
		!p.PointValue.Equal(q.PointValue) {
		return false
	}
	if (p.ExitTime == nil) != (q.ExitTime == nil) {
		return false
	}
	if p.ExitTime != nil && !p.ExitTime.Equal(*q.ExitTime) {
		return false
	}
	if len(p.Pairs) != len(q.Pairs) {
		return false
	}
	for i := range p.Pairs {
		if !p.Pairs[i].Equal(q.Pairs[i]) {
			return false
		}
	}
	return true
}

// ExecutionPair is one FIFO-matched entry/exit slice within a position.
type ExecutionPair struct {
	EntryTime  time.Time       `json:"entry_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitTime   time.Time       `json:"exit_time"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   int64           `json:"quantity"`
	PointsPnL  decimal.Decimal `json:"points_pnl"`
	DollarPnL  decimal.Decimal `json:"dollar_pnl"`
	Duration   time.Duration   `json:"duration"`
}

// Equal reports whether two pairs carry the same values.
func (e ExecutionPair) Equal(o ExecutionPair) bool {
	return e.EntryTime.Equal(o.EntryTime) && e.ExitTime.Equal(o.ExitTime) &&
		e.EntryPrice.Equal(o.EntryPrice) && e.ExitPrice.Equal(o.ExitPrice) &&
		e.Quantity == o.Quantity && e.Duration == o.Duration &&
		e.PointsPnL.Equal(o.PointsPnL) && e.DollarPnL.Equal(o.DollarPnL)
}

// CheckInvariants verifies that the position totals agree with its pairs.
// Stores call it before every write.
func (p Position) CheckInvariants() error {
	var qty int64
	points := decimal.Zero
	dollars := decimal.Zero
	for _, pair := range p.Pairs {
		if pair.Quantity <= 0 {
			return p.violation("pair quantity %d is not positive", pair.Quantity)
		}
		qty += pair.Quantity
		points = points.Add(pair.PointsPnL)
		dollars = dollars.Add(pair.DollarPnL)
	}
	if qty != p.TotalQuantity {
		return p.violation("pair quantity sum %d != total quantity %d", qty, p.TotalQuantity)
	}
	if !points.Equal(p.PointsPnL) {
		return p.violation("pair points sum %s != points pnl %s", points, p.PointsPnL)
	}
	if !dollars.Equal(p.DollarPnL) {
		return p.violation("pair dollar sum %s != dollar pnl %s", dollars, p.DollarPnL)
	}
	if p.OpenQuantity < 0 {
		return p.violation("negative open quantity %d", p.OpenQuantity)
	}
	if p.EntryQuantity != p.TotalQuantity+p.OpenQuantity {
		return p.violation("entry quantity %d != matched %d + open %d",
			p.EntryQuantity, p.TotalQuantity, p.OpenQuantity)
	}
	closed := p.Status == PositionStatusClosed
	if closed != (p.OpenQuantity == 0) {
		return p.violation("status %s with open quantity %d", p.Status, p.OpenQuantity)
	}
	if closed && p.ExitTime == nil {
		return p.violation("closed without exit time")
	}
	return nil
}

func (p Position) violation(format string, args ...any) error {
	return &MatchingInvariantViolation{
		Group:      p.Group(),
		PositionID: p.ID,
		Reason:     fmt.Sprintf(format, args...),
	}
}
