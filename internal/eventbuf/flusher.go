package eventbuf

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"detection-engine/internal/distribution"
	"detection-engine/internal/model"
)

// Config configures a Flusher.
type Config struct {
	Interval        time.Duration // default 250ms
	ShutdownTimeout time.Duration // bound on the final drain, default 2s
	Retry           RetryPolicy
	Topics          distribution.Topics
}

// Flusher periodically drains a Buffer and publishes one batch per category.
// It is the only consumer of its Buffer.
type Flusher struct {
	cfg Config
	buf *Buffer
	pub distribution.Publisher
	log zerolog.Logger

	seq   map[string]uint64 // last sequence assigned per topic
	sleep func(ctx context.Context, d time.Duration) error

	// Metrics hooks (optional, set externally)
	OnPublished func(topic string, events int)
	OnDropped   func(topic string, events int, err error)
	OnRetry     func(topic string, attempt int, err error)
	OnFlush     func(took time.Duration)
}

// NewFlusher creates a Flusher draining buf into pub.
func NewFlusher(cfg Config, buf *Buffer, pub distribution.Publisher, log zerolog.Logger) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Flusher{
		cfg:   cfg,
		buf:   buf,
		pub:   pub,
		log:   log.With().Str("component", "flusher").Logger(),
		seq:   make(map[string]uint64),
		sleep: sleepCtx,
	}
}

// Run flushes every interval until ctx is cancelled, then drains the buffer
// once more, bounded by the shutdown timeout.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	f.log.Info().Dur("interval", f.cfg.Interval).Msg("flusher started")
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), f.cfg.ShutdownTimeout)
			pending := f.buf.Len()
			f.FlushOnce(dctx)
			cancel()
			f.log.Info().Int("drained", pending).Msg("flusher stopped")
			return
		case <-ticker.C:
			f.FlushOnce(ctx)
		}
	}
}

// FlushOnce swaps the buffer out and publishes its contents. An empty buffer
// publishes nothing. Must not be called concurrently with itself or Run.
func (f *Flusher) FlushOnce(ctx context.Context) {
	batch := f.buf.Swap()
	defer f.buf.Recycle(batch)
	if len(batch) == 0 {
		return
	}
	start := time.Now()

	var patterns, indicators []model.DetectionResult
	for _, r := range batch {
		if r.Category == model.CategoryIndicator {
			indicators = append(indicators, r)
		} else {
			patterns = append(patterns, r)
		}
	}

	if len(patterns) > 0 {
		topic := f.cfg.Topics.Patterns
		f.send(ctx, topic, len(patterns), model.NewPatternBatch(f.next(topic), patterns))
	}
	if len(indicators) > 0 {
		topic := f.cfg.Topics.Indicators
		f.send(ctx, topic, len(indicators), model.NewIndicatorBatch(f.next(topic), indicators))
	}

	if f.OnFlush != nil {
		f.OnFlush(time.Since(start))
	}
}

// next consumes the next sequence number for topic. A dropped batch keeps
// its number so subscribers see the gap.
func (f *Flusher) next(topic string) uint64 {
	f.seq[topic]++
	return f.seq[topic]
}

func (f *Flusher) send(ctx context.Context, topic string, events int, batch any) {
	payload, err := distribution.Encode(batch)
	if err == nil {
		err = f.publish(ctx, topic, payload)
	}
	if err != nil {
		f.log.Error().Err(err).Str("topic", topic).Int("events", events).Msg("batch dropped")
		if f.OnDropped != nil {
			f.OnDropped(topic, events, err)
		}
		return
	}
	if f.OnPublished != nil {
		f.OnPublished(topic, events)
	}
}

// publish tries payload up to MaxAttempts times with exponential backoff.
func (f *Flusher) publish(ctx context.Context, topic string, payload []byte) error {
	policy := f.cfg.Retry
	for attempt := 1; ; attempt++ {
		err := f.pub.Publish(ctx, topic, payload)
		if err == nil {
			return nil
		}
		if attempt >= policy.MaxAttempts {
			return err
		}
		if f.OnRetry != nil {
			f.OnRetry(topic, attempt, err)
		}
		f.log.Warn().Err(err).Str("topic", topic).Int("attempt", attempt).Msg("publish failed, retrying")
		if f.sleep(ctx, policy.Backoff(attempt)) != nil {
			return err
		}
	}
}

// Sequence returns the last sequence assigned on topic.
func (f *Flusher) Sequence(topic string) uint64 {
	return f.seq[topic]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
