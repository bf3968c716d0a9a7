package model

import (
	"fmt"
	"time"
)

// Timeframe is a bar interval label such as "1m" or "1d".
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

var tfDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
	TF1d:  24 * time.Hour,
}

// Duration returns the interval length, or 0 for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return tfDurations[tf]
}

// Daily is true for session-aligned timeframes.
func (tf Timeframe) Daily() bool {
	return tf == TF1d
}

// ParseTimeframe validates a timeframe label.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := tfDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}
