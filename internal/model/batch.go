package model

import "time"

// SchemaVersion is bumped whenever a wire field is renamed or removed.
const SchemaVersion = 1

const (
	BatchTypePattern   = "pattern_batch"
	BatchTypeIndicator = "indicator_batch"
)

// PatternEvent is the wire form of a pattern detection.
type PatternEvent struct {
	EventID     string    `json:"event_id"`
	Symbol      string    `json:"symbol"`
	PatternType string    `json:"pattern_type"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
	Timeframe   Timeframe `json:"timeframe"`
	BarSnapshot Bar       `json:"bar_snapshot"`
}

// IndicatorEvent is the wire form of an indicator reading.
type IndicatorEvent struct {
	EventID       string    `json:"event_id"`
	Symbol        string    `json:"symbol"`
	IndicatorType string    `json:"indicator_type"`
	Value         float64   `json:"value"`
	Timestamp     time.Time `json:"timestamp"`
	Timeframe     Timeframe `json:"timeframe"`
}

// PatternBatch is one flush worth of pattern events.
type PatternBatch struct {
	Type     string         `json:"type"`
	Version  int            `json:"version"`
	Sequence uint64         `json:"sequence"`
	Events   []PatternEvent `json:"events"`
}

// IndicatorBatch is one flush worth of indicator events.
type IndicatorBatch struct {
	Type     string           `json:"type"`
	Version  int              `json:"version"`
	Sequence uint64           `json:"sequence"`
	Events   []IndicatorEvent `json:"events"`
}

// NewPatternBatch converts pattern results into a wire batch.
func NewPatternBatch(seq uint64, results []DetectionResult) PatternBatch {
	events := make([]PatternEvent, 0, len(results))
	for _, r := range results {
		events = append(events, PatternEvent{
			EventID:     r.ID,
			Symbol:      r.Symbol,
			PatternType: r.Detector,
			Confidence:  r.Value,
			Timestamp:   r.Timestamp,
			Timeframe:   r.Timeframe,
			BarSnapshot: r.Bar,
		})
	}
	return PatternBatch{Type: BatchTypePattern, Version: SchemaVersion, Sequence: seq, Events: events}
}

// NewIndicatorBatch converts indicator results into a wire batch.
func NewIndicatorBatch(seq uint64, results []DetectionResult) IndicatorBatch {
	events := make([]IndicatorEvent, 0, len(results))
	for _, r := range results {
		events = append(events, IndicatorEvent{
			EventID:       r.ID,
			Symbol:        r.Symbol,
			IndicatorType: r.Detector,
			Value:         r.Value,
			Timestamp:     r.Timestamp,
			Timeframe:     r.Timeframe,
		})
	}
	return IndicatorBatch{Type: BatchTypeIndicator, Version: SchemaVersion, Sequence: seq, Events: events}
}
