package model

import (
	"fmt"
	"time"
)

// Category separates pattern detectors from indicator detectors. Each
// category is distributed on its own topic.
type Category string

const (
	CategoryPattern   Category = "pattern"
	CategoryIndicator Category = "indicator"
)

// ParseCategory validates a category label.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryPattern, CategoryIndicator:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// DetectionResult is one detector firing on one bar.
type DetectionResult struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Detector   string    `json:"detector"`
	Category   Category  `json:"category"`
	Timeframe  Timeframe `json:"timeframe"`
	Value      float64   `json:"value"` // confidence for patterns, reading for indicators
	Timestamp  time.Time `json:"timestamp"`
	Bar        Bar       `json:"bar"`
	DetectedAt time.Time `json:"detected_at"`
}
