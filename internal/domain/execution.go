package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a single broker fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalises the spellings brokers use for fill direction.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "bot", "bought", "long":
		return SideBuy, true
	case "sell", "s", "sld", "sold", "short":
		return SideSell, true
	default:
		return "", false
	}
}

// GroupKey identifies one reconciliation unit: all executions for a single
// instrument within a single account.
type GroupKey struct {
	Instrument string `json:"instrument"`
	Account    string `json:"account"`
}

func (g GroupKey) String() string {
	return g.Instrument + "/" + g.Account
}

// RawExecution is one broker fill as parsed from an export file. It is
// immutable once parsed.
type RawExecution struct {
	Instrument   string          `json:"instrument"`
	Account      string          `json:"account"`
	Side         Side            `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
	SourceFile   string          `json:"source_file"`
	SourceLine   int             `json:"source_line"`
	SourceRowKey string          `json:"source_row_key"`
	BrokerExecID string          `json:"broker_exec_id,omitempty"`
}

// Group returns the reconciliation group the execution belongs to.
func (e RawExecution) Group() GroupKey {
	return GroupKey{Instrument: e.Instrument, Account: e.Account}
}

// Execution is a committed fill. Seq is the persisted ingestion sequence
// number used to order fills that share a timestamp.
type Execution struct {
	RawExecution
	Seq int64 `json:"seq"`
}
