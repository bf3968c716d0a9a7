package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a finalized OHLCV aggregate for one symbol and timeframe.
// Bars are immutable once emitted by the aggregator.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Start     time.Time       `json:"start"`     // interval start
	Timestamp time.Time       `json:"timestamp"` // interval close
	Ticks     int             `json:"ticks"`
}

// Key returns "symbol|timeframe".
func (b *Bar) Key() string {
	return b.Symbol + "|" + string(b.Timeframe)
}
