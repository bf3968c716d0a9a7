package correlation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"detection-engine/internal/distribution"
)

// Tap feeds published detection batches into an Engine. It tracks the last
// sequence per topic and reports gaps; lost batches are never re-requested.
type Tap struct {
	sub    distribution.Subscriber
	topics distribution.Topics
	eng    *Engine
	log    zerolog.Logger
	last   map[string]uint64

	// Metrics hooks (optional, set externally)
	OnGap         func(topic string, missing uint64)
	OnBatch       func(topic string, events int)
	OnDecodeError func(topic string, err error)
}

// NewTap creates a Tap.
func NewTap(sub distribution.Subscriber, topics distribution.Topics, eng *Engine, log zerolog.Logger) *Tap {
	return &Tap{
		sub:    sub,
		topics: topics,
		eng:    eng,
		log:    log.With().Str("component", "tap").Logger(),
		last:   make(map[string]uint64),
	}
}

// Run subscribes to both topics and forwards events until ctx is done or the
// subscription ends.
func (t *Tap) Run(ctx context.Context) error {
	ch, err := t.sub.Subscribe(ctx, t.topics.All()...)
	if err != nil {
		return fmt.Errorf("tap subscribe: %w", err)
	}
	for msg := range ch {
		t.Handle(msg)
	}
	return nil
}

// Handle decodes one message and submits its events.
func (t *Tap) Handle(msg distribution.Message) {
	env, err := distribution.Decode(msg.Payload)
	if err != nil {
		t.log.Warn().Err(err).Str("topic", msg.Topic).Msg("undecodable batch")
		if t.OnDecodeError != nil {
			t.OnDecodeError(msg.Topic, err)
		}
		return
	}

	t.checkSequence(msg.Topic, env.Sequence)

	for _, ev := range env.Patterns {
		t.eng.Submit(Observation{EventID: ev.EventID, Symbol: ev.Symbol, Detector: ev.PatternType, Timestamp: ev.Timestamp})
	}
	for _, ev := range env.Indicators {
		t.eng.Submit(Observation{EventID: ev.EventID, Symbol: ev.Symbol, Detector: ev.IndicatorType, Timestamp: ev.Timestamp})
	}
	if t.OnBatch != nil {
		t.OnBatch(msg.Topic, env.Len())
	}
}

func (t *Tap) checkSequence(topic string, seq uint64) {
	last, seen := t.last[topic]
	t.last[topic] = seq
	switch {
	case !seen:
		return
	case seq > last+1:
		missing := seq - last - 1
		t.log.Warn().Str("topic", topic).Uint64("after", last).Uint64("got", seq).Uint64("missing", missing).
			Msg("sequence gap, batches lost")
		if t.OnGap != nil {
			t.OnGap(topic, missing)
		}
	case seq <= last:
		// Publisher restarted and its sequence began again.
		t.log.Info().Str("topic", topic).Uint64("last", last).Uint64("got", seq).Msg("sequence reset")
	}
}
