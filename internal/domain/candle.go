package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLC bar.
type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// CandleWindow is the candle context cached for one position.
type CandleWindow struct {
	PositionID string    `json:"position_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Candles    []Candle  `json:"candles"`
	Missing    bool      `json:"missing"`
}

// DashboardSummary aggregates the positions closed by one account on one
// UTC day.
type DashboardSummary struct {
	Account     string          `json:"account"`
	Day         time.Time       `json:"day"`
	Positions   int             `json:"positions"`
	Winners     int             `json:"winners"`
	Losers      int             `json:"losers"`
	Contracts   int64           `json:"contracts"`
	PointsPnL   decimal.Decimal `json:"points_pnl"`
	DollarPnL   decimal.Decimal `json:"dollar_pnl"`
	Instruments []string        `json:"instruments"`
}
