// Package detengine hosts the detection half of the pipeline: tick feed,
// bar aggregation, detector scheduling and the buffered flush onto the
// distribution channel.
package detengine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"detection-engine/config"
	"detection-engine/internal/detector"
	"detection-engine/internal/distribution"
	"detection-engine/internal/eventbuf"
	"detection-engine/internal/marketdata/agg"
	"detection-engine/internal/marketdata/feed"
	"detection-engine/internal/metrics"
	"detection-engine/internal/model"
	"detection-engine/internal/scheduler"
	"detection-engine/internal/session"
)

// Service is the top-level orchestrator for the detection engine.
type Service struct {
	log zerolog.Logger

	feed    *feed.Ingest
	agg     *agg.Aggregator
	sched   *scheduler.Scheduler
	buf     *eventbuf.Buffer
	flusher *eventbuf.Flusher

	tickBuffer int
	barBuffer  int
}

// New wires the detection pipeline. pub receives every flushed batch.
func New(cfg *config.Config, reg *detector.Registry, pub distribution.Publisher, cal *session.Calendar,
	prom *metrics.Metrics, health *metrics.HealthStatus, log zerolog.Logger) (*Service, error) {

	ing, err := feed.New(feed.Config{
		URL:               cfg.Feed.URL,
		ReconnectDelay:    cfg.Feed.ReconnectDelay,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}

	tfs := make([]model.Timeframe, 0, len(cfg.Aggregator.Timeframes))
	for _, s := range cfg.Aggregator.Timeframes {
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("aggregator: %w", err)
		}
		tfs = append(tfs, tf)
	}
	for _, tf := range reg.Timeframes() {
		if !containsTF(tfs, tf) {
			return nil, fmt.Errorf("detectors use timeframe %s which the aggregator does not build", tf)
		}
	}

	buf := eventbuf.NewBuffer(cfg.Flush.MaxPending)
	svc := &Service{
		log:  log.With().Str("component", "detengine").Logger(),
		feed: ing,
		agg: agg.New(agg.Config{
			Timeframes:        tfs,
			LatenessTolerance: cfg.Aggregator.LatenessTolerance,
			IdleFlushInterval: cfg.Aggregator.IdleFlushInterval,
			Calendar:          cal,
		}, log),
		sched: scheduler.New(scheduler.Config{
			Workers:         cfg.Scheduler.Workers,
			QueueSize:       cfg.Scheduler.QueueSize,
			DetectorTimeout: cfg.Scheduler.DetectorTimeout,
		}, reg, buf, log),
		buf: buf,
		flusher: eventbuf.NewFlusher(eventbuf.Config{
			Interval:        cfg.Flush.Interval,
			ShutdownTimeout: cfg.Flush.ShutdownTimeout,
			Retry: eventbuf.RetryPolicy{
				MaxAttempts:    cfg.Flush.Retry.MaxAttempts,
				InitialBackoff: cfg.Flush.Retry.InitialBackoff,
				MaxBackoff:     cfg.Flush.Retry.MaxBackoff,
				Multiplier:     cfg.Flush.Retry.Multiplier,
			},
			Topics: distribution.Topics{
				Patterns:   cfg.Distribution.Topics.Patterns,
				Indicators: cfg.Distribution.Topics.Indicators,
			},
		}, buf, pub, log),
		tickBuffer: cfg.Feed.BufferSize,
		barBuffer:  cfg.Aggregator.BarBuffer,
	}
	svc.instrument(prom, health)
	return svc, nil
}

func containsTF(tfs []model.Timeframe, tf model.Timeframe) bool {
	for _, t := range tfs {
		if t == tf {
			return true
		}
	}
	return false
}

// instrument attaches metrics and health hooks to every stage.
func (svc *Service) instrument(prom *metrics.Metrics, health *metrics.HealthStatus) {
	if prom == nil || health == nil {
		return
	}

	svc.feed.OnConnect = func() { health.SetFeedConnected(true) }
	svc.feed.OnDisconnect = func(error) {
		health.SetFeedConnected(false)
		prom.FeedReconnects.Inc()
	}
	svc.feed.OnTick = func(t model.Tick) {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(t.Timestamp)
	}
	svc.feed.OnDrop = prom.FeedDrops.Inc

	svc.agg.OnRejectedTick = func(reason string) { prom.TicksRejected.WithLabelValues(reason).Inc() }
	svc.agg.OnBar = func(b model.Bar) { prom.BarsTotal.WithLabelValues(string(b.Timeframe)).Inc() }

	svc.sched.OnEvaluation = func(name string, outcome scheduler.Outcome, took time.Duration) {
		prom.DetectorEvals.WithLabelValues(name, string(outcome)).Inc()
		prom.DetectorDur.WithLabelValues(name).Observe(took.Seconds())
	}
	svc.sched.OnBarRejected = func(model.Bar, error) { prom.BarsRejected.Inc() }
	svc.sched.OnDetection = func(r model.DetectionResult) {
		prom.DetectionsTotal.WithLabelValues(string(r.Category)).Inc()
	}

	svc.buf.OnOverflow = func(model.DetectionResult) { prom.BufferOverflow.Inc() }

	svc.flusher.OnPublished = func(topic string, events int) {
		prom.BatchesPublished.WithLabelValues(topic).Inc()
		prom.BatchSize.WithLabelValues(topic).Observe(float64(events))
		health.SetLastFlush(time.Now())
		health.SetDistributionOK(true)
	}
	svc.flusher.OnDropped = func(topic string, events int, _ error) {
		prom.BatchesDropped.WithLabelValues(topic).Inc()
		prom.EventsDropped.WithLabelValues(topic).Add(float64(events))
		health.SetDistributionOK(false)
	}
	svc.flusher.OnRetry = func(topic string, _ int, _ error) { prom.PublishRetries.WithLabelValues(topic).Inc() }
	svc.flusher.OnFlush = func(took time.Duration) { prom.FlushDur.Observe(took.Seconds()) }
}

// Run connects the feed and processes ticks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	tickCh := make(chan model.Tick, svc.tickBuffer)

	feedErr := make(chan error, 1)
	go func() {
		err := svc.feed.Start(ctx, tickCh)
		close(tickCh)
		feedErr <- err
	}()

	svc.Consume(ctx, tickCh)
	return <-feedErr
}

// Consume runs aggregation, scheduling and flushing over tickCh until ctx is
// cancelled or tickCh is closed. On the way out it finalizes open bars, lets
// the scheduler evaluate every queued bar, then drains the event buffer once.
func (svc *Service) Consume(ctx context.Context, tickCh <-chan model.Tick) {
	barCh := make(chan model.Bar, svc.barBuffer)

	// Stages after the aggregator outlive ctx so in-flight bars finish.
	work := context.WithoutCancel(ctx)
	flushCtx, stopFlush := context.WithCancel(work)
	defer stopFlush()

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		svc.flusher.Run(flushCtx)
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		svc.sched.Run(work, barCh)
	}()

	svc.log.Info().Int("tick_buffer", svc.tickBuffer).Int("bar_buffer", svc.barBuffer).Msg("detection engine running")

	svc.agg.Run(ctx, tickCh, barCh)
	close(barCh)
	<-schedDone

	stopFlush()
	<-flushDone
	svc.log.Info().Msg("detection engine stopped")
}

// BuildRegistry converts detector declarations into a sealed registry.
func BuildRegistry(decls []config.DetectorConfig) (*detector.Registry, error) {
	specs := make([]detector.Spec, 0, len(decls))
	for _, d := range decls {
		cat, err := model.ParseCategory(d.Category)
		if err != nil {
			return nil, fmt.Errorf("detector %q: %w", d.Name, err)
		}
		tf, err := model.ParseTimeframe(d.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("detector %q: %w", d.Name, err)
		}
		specs = append(specs, detector.Spec{
			Name:      d.Name,
			Kind:      d.Kind,
			Category:  cat,
			Timeframe: tf,
			MinBars:   d.MinBars,
			Params:    detector.Params(d.Params),
		})
	}
	return detector.Build(specs)
}
