package distribution

import (
	"encoding/json"
	"errors"
	"fmt"

	"detection-engine/internal/model"
)

var (
	// ErrUnknownType is returned by Decode for an unrecognised batch type.
	ErrUnknownType = errors.New("unknown batch type")
	// ErrUnsupportedVersion is returned for batches newer than this build.
	ErrUnsupportedVersion = errors.New("unsupported batch version")
)

// Envelope is a decoded batch of either kind.
type Envelope struct {
	Type       string
	Version    int
	Sequence   uint64
	Patterns   []model.PatternEvent
	Indicators []model.IndicatorEvent
}

// Len returns the number of events in the batch.
func (e Envelope) Len() int {
	return len(e.Patterns) + len(e.Indicators)
}

// Encode serializes a PatternBatch or IndicatorBatch.
func Encode(batch any) ([]byte, error) {
	switch batch.(type) {
	case model.PatternBatch, model.IndicatorBatch, *model.PatternBatch, *model.IndicatorBatch:
	default:
		return nil, fmt.Errorf("encode %T: %w", batch, ErrUnknownType)
	}
	return json.Marshal(batch)
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (Envelope, error) {
	var head struct {
		Type     string `json:"type"`
		Version  int    `json:"version"`
		Sequence uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return Envelope{}, fmt.Errorf("decode batch header: %w", err)
	}
	if head.Version > model.SchemaVersion {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, head.Version)
	}

	env := Envelope{Type: head.Type, Version: head.Version, Sequence: head.Sequence}
	switch head.Type {
	case model.BatchTypePattern:
		var b model.PatternBatch
		if err := json.Unmarshal(payload, &b); err != nil {
			return Envelope{}, fmt.Errorf("decode pattern batch: %w", err)
		}
		env.Patterns = b.Events
	case model.BatchTypeIndicator:
		var b model.IndicatorBatch
		if err := json.Unmarshal(payload, &b); err != nil {
			return Envelope{}, fmt.Errorf("decode indicator batch: %w", err)
		}
		env.Indicators = b.Events
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	return env, nil
}
