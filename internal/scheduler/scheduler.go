// Package scheduler runs registered detectors against each finalized bar.
//
// Bars are sharded by symbol onto a fixed set of workers. A worker owns the
// bar windows of its symbols outright, so bars of one symbol are processed
// strictly in arrival order while different symbols proceed in parallel.
// Within a bar, eligible detectors run concurrently, each under its own
// deadline; a slow, failing or panicking detector affects only its own
// result for that bar.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"detection-engine/internal/detector"
	"detection-engine/internal/logger"
	"detection-engine/internal/model"
	"detection-engine/internal/ringbuf"
)

// ErrDetectorTimeout is recorded when a detector misses its deadline.
var ErrDetectorTimeout = errors.New("detector timed out")

// Outcome labels one detector invocation.
type Outcome string

const (
	OutcomeFired   Outcome = "fired"
	OutcomeQuiet   Outcome = "quiet"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Config configures the Scheduler.
type Config struct {
	Workers         int           // symbol shards, default 8
	QueueSize       int           // bars queued per shard, default 1024
	DetectorTimeout time.Duration // per-invocation deadline, default 50ms
}

// Scheduler dispatches bars to per-symbol workers.
type Scheduler struct {
	cfg  Config
	reg  *detector.Registry
	sink model.DetectionSink
	log  zerolog.Logger
	now  func() time.Time

	// Metrics hooks (optional, set externally)
	OnEvaluation  func(detector string, outcome Outcome, took time.Duration)
	OnBarRejected func(b model.Bar, err error)
	OnDetection   func(r model.DetectionResult)
}

// New creates a Scheduler. reg must be sealed.
func New(cfg Config, reg *detector.Registry, sink model.DetectionSink, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DetectorTimeout <= 0 {
		cfg.DetectorTimeout = 50 * time.Millisecond
	}
	return &Scheduler{
		cfg:  cfg,
		reg:  reg,
		sink: sink,
		log:  log.With().Str("component", "scheduler").Logger(),
		now:  time.Now,
	}
}

// Run consumes bars until barCh is closed or ctx is cancelled, then waits for
// queued bars to finish. Detector deadlines derive from ctx.
func (s *Scheduler) Run(ctx context.Context, barCh <-chan model.Bar) {
	shards := make([]chan model.Bar, s.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan model.Bar, s.cfg.QueueSize)
		w := &worker{s: s, windows: make(map[string]*ringbuf.Window)}
		wg.Add(1)
		go func(in <-chan model.Bar) {
			defer wg.Done()
			w.run(ctx, in)
		}(shards[i])
	}

	s.log.Info().Int("workers", s.cfg.Workers).Dur("detector_timeout", s.cfg.DetectorTimeout).Msg("scheduler started")

	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
		s.log.Info().Msg("scheduler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			shard := shards[shardOf(bar.Symbol, len(shards))]
			select {
			case shard <- bar:
			case <-ctx.Done():
				return
			}
		}
	}
}

func shardOf(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// worker owns the bar windows of the symbols hashed to its shard.
type worker struct {
	s       *Scheduler
	windows map[string]*ringbuf.Window // key = "symbol|timeframe"
}

func (w *worker) run(ctx context.Context, in <-chan model.Bar) {
	for bar := range in {
		w.process(ctx, bar)
	}
}

// process appends bar to its window and evaluates every eligible detector.
func (w *worker) process(ctx context.Context, bar model.Bar) {
	s := w.s
	capacity := s.reg.MaxMinBars(bar.Timeframe)
	if capacity == 0 {
		return
	}

	key := bar.Key()
	win, ok := w.windows[key]
	if !ok {
		win = ringbuf.New(capacity)
		w.windows[key] = win
	}
	if err := win.Push(bar); err != nil {
		s.log.Warn().Err(err).Str("symbol", bar.Symbol).Str("timeframe", string(bar.Timeframe)).
			Time("ts", bar.Timestamp).Msg("bar rejected")
		if s.OnBarRejected != nil {
			s.OnBarRejected(bar, err)
		}
		return
	}

	eligible := s.reg.Eligible(bar.Timeframe, win.Len())
	if len(eligible) == 0 {
		return
	}

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(bar.Symbol, bar.Timestamp))

	calls := make([]*call, len(eligible))
	for i, d := range eligible {
		calls[i] = s.start(ctx, d, win.Last(d.MinBars))
	}
	for i, d := range eligible {
		s.finish(ctx, d, bar, calls[i].wait())
	}
}

// evaluation is the result of one detector call.
type evaluation struct {
	sig  detector.Signal
	err  error
	took time.Duration
}

// call is an in-flight detector invocation.
type call struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan evaluation
	start  time.Time
}

// start launches d on window under the configured deadline.
func (s *Scheduler) start(ctx context.Context, d detector.Descriptor, window []model.Bar) *call {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.DetectorTimeout)
	c := &call{ctx: cctx, cancel: cancel, done: make(chan evaluation, 1), start: time.Now()}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.done <- evaluation{err: fmt.Errorf("detector panic: %v", r)}
			}
		}()
		sig, err := d.Detector.Evaluate(cctx, window)
		c.done <- evaluation{sig: sig, err: err}
	}()
	return c
}

// wait blocks until the call returns or its deadline passes. A timed-out
// detector goroutine is abandoned; its late result is discarded.
func (c *call) wait() evaluation {
	defer c.cancel()
	select {
	case ev := <-c.done:
		ev.took = time.Since(c.start)
		return ev
	case <-c.ctx.Done():
		// Waiting on an earlier call may have outlived this deadline even
		// though the detector itself returned in time.
		select {
		case ev := <-c.done:
			ev.took = time.Since(c.start)
			return ev
		default:
		}
		return evaluation{err: ErrDetectorTimeout, took: time.Since(c.start)}
	}
}

// finish records ev and enqueues a result if the detector fired.
func (s *Scheduler) finish(ctx context.Context, d detector.Descriptor, bar model.Bar, ev evaluation) {
	outcome := OutcomeQuiet
	switch {
	case errors.Is(ev.err, ErrDetectorTimeout):
		outcome = OutcomeTimeout
	case ev.err != nil:
		outcome = OutcomeError
	case ev.sig.Fired:
		outcome = OutcomeFired
	}
	if s.OnEvaluation != nil {
		s.OnEvaluation(d.Name, outcome, ev.took)
	}

	if ev.err != nil {
		l := logger.WithTrace(ctx, s.log)
		l.Warn().Err(ev.err).
			Str("detector", d.Name).
			Str("symbol", bar.Symbol).
			Time("bar_ts", bar.Timestamp).
			Msg("detector failed")
		return
	}
	if outcome != OutcomeFired {
		return
	}

	r := model.DetectionResult{
		ID:         uuid.NewString(),
		Symbol:     bar.Symbol,
		Detector:   d.Name,
		Category:   d.Category,
		Timeframe:  bar.Timeframe,
		Value:      ev.sig.Value,
		Timestamp:  bar.Timestamp,
		Bar:        bar,
		DetectedAt: s.now(),
	}
	s.sink.Enqueue(r)
	if s.OnDetection != nil {
		s.OnDetection(r)
	}
}
