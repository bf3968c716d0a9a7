package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single trade print from the market data feed.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      int64           `json:"size"`
	Timestamp time.Time       `json:"ts"` // exchange time, UTC
}

// Validate reports why a tick cannot be aggregated, or "" if it can.
func (t *Tick) Validate() string {
	switch {
	case t.Symbol == "":
		return "empty_symbol"
	case t.Timestamp.IsZero():
		return "zero_timestamp"
	case !t.Price.IsPositive():
		return "bad_price"
	case t.Size < 0:
		return "bad_size"
	}
	return ""
}
