package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detection-engine/internal/detector"
	"detection-engine/internal/model"
)

var t0 = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

func bar(symbol string, i int) model.Bar {
	p := decimal.NewFromInt(int64(100 + i))
	return model.Bar{
		Symbol:    symbol,
		Timeframe: model.TF1m,
		Open:      p, High: p, Low: p, Close: p,
		Start:     t0.Add(time.Duration(i-1) * time.Minute),
		Timestamp: t0.Add(time.Duration(i) * time.Minute),
	}
}

// recorder is a detector that logs every window it sees.
type recorder struct {
	mu      sync.Mutex
	windows map[string][][]model.Bar // by symbol
	fire    bool
}

func newRecorder(fire bool) *recorder {
	return &recorder{windows: make(map[string][][]model.Bar), fire: fire}
}

func (r *recorder) Evaluate(_ context.Context, w []model.Bar) (detector.Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sym := w[len(w)-1].Symbol
	r.windows[sym] = append(r.windows[sym], w)
	return detector.Signal{Fired: r.fire, Value: float64(len(w))}, nil
}

func (r *recorder) calls(symbol string) [][]model.Bar {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windows[symbol]
}

type sink struct {
	mu      sync.Mutex
	results []model.DetectionResult
}

func (s *sink) Enqueue(r model.DetectionResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func register(t *testing.T, descs ...detector.Descriptor) *detector.Registry {
	t.Helper()
	reg := detector.NewRegistry()
	for _, d := range descs {
		require.NoError(t, reg.Register(d))
	}
	reg.Seal()
	return reg
}

func pattern(name string, minBars int, d detector.Detector) detector.Descriptor {
	return detector.Descriptor{
		Name:      name,
		Category:  model.CategoryPattern,
		Timeframe: model.TF1m,
		MinBars:   minBars,
		Detector:  d,
	}
}

// runAll feeds bars through a scheduler and waits for it to drain.
func runAll(s *Scheduler, bars []model.Bar) {
	ch := make(chan model.Bar, len(bars))
	for _, b := range bars {
		ch <- b
	}
	close(ch)
	s.Run(context.Background(), ch)
}

func TestScheduler_PerDetectorEligibility(t *testing.T) {
	doji, engulfing, star := newRecorder(false), newRecorder(false), newRecorder(false)
	reg := register(t,
		pattern("doji", 1, doji),
		pattern("engulfing", 2, engulfing),
		pattern("morning_star", 3, star),
	)
	s := New(Config{Workers: 2}, reg, &sink{}, zerolog.Nop())

	runAll(s, []model.Bar{bar("AAPL", 1), bar("AAPL", 2), bar("AAPL", 3)})

	require.Len(t, doji.calls("AAPL"), 3)
	require.Len(t, engulfing.calls("AAPL"), 2)
	require.Len(t, star.calls("AAPL"), 1)

	// Each detector sees exactly its own trailing window.
	for _, w := range doji.calls("AAPL") {
		assert.Len(t, w, 1)
	}
	assert.True(t, engulfing.calls("AAPL")[0][1].Timestamp.Equal(bar("AAPL", 2).Timestamp))
	assert.Len(t, star.calls("AAPL")[0], 3)
}

func TestScheduler_NoInvocationBeforeMinBars(t *testing.T) {
	slow := newRecorder(false)
	reg := register(t, pattern("needs_50", 50, slow))
	s := New(Config{Workers: 1}, reg, &sink{}, zerolog.Nop())

	var bars []model.Bar
	for i := 1; i <= 49; i++ {
		bars = append(bars, bar("AAPL", i))
	}
	runAll(s, bars)
	assert.Empty(t, slow.calls("AAPL"))

	bars = append(bars, bar("AAPL", 50))
	s = New(Config{Workers: 1}, reg, &sink{}, zerolog.Nop())
	runAll(s, bars)
	require.Len(t, slow.calls("AAPL"), 1)
	w := slow.calls("AAPL")[0]
	assert.Len(t, w, 50)
	assert.True(t, w[0].Timestamp.Equal(bar("AAPL", 1).Timestamp))
	assert.True(t, w[49].Timestamp.Equal(bar("AAPL", 50).Timestamp))
}

func TestScheduler_TimeoutIsolated(t *testing.T) {
	hang := detector.Func(func([]model.Bar) (detector.Signal, error) {
		time.Sleep(500 * time.Millisecond)
		return detector.Signal{Fired: true}, nil
	})
	fast := newRecorder(true)
	reg := register(t, pattern("hang", 1, hang), pattern("fast", 1, fast))

	out := &sink{}
	s := New(Config{Workers: 1, DetectorTimeout: 20 * time.Millisecond}, reg, out, zerolog.Nop())

	var mu sync.Mutex
	outcomes := map[string][]Outcome{}
	s.OnEvaluation = func(name string, o Outcome, _ time.Duration) {
		mu.Lock()
		outcomes[name] = append(outcomes[name], o)
		mu.Unlock()
	}

	start := time.Now()
	runAll(s, []model.Bar{bar("AAPL", 1), bar("AAPL", 2)})
	assert.Less(t, time.Since(start), 400*time.Millisecond, "a hung detector must not stall the symbol")

	assert.Equal(t, []Outcome{OutcomeTimeout, OutcomeTimeout}, outcomes["hang"])
	assert.Equal(t, []Outcome{OutcomeFired, OutcomeFired}, outcomes["fast"])
	require.Len(t, out.results, 2)
	for _, r := range out.results {
		assert.Equal(t, "fast", r.Detector)
	}
}

func TestScheduler_ErrorAndPanicIsolated(t *testing.T) {
	failing := detector.Func(func([]model.Bar) (detector.Signal, error) {
		return detector.Signal{}, errors.New("boom")
	})
	panicking := detector.Func(func([]model.Bar) (detector.Signal, error) {
		panic("bad index")
	})
	ok := newRecorder(true)
	reg := register(t, pattern("failing", 1, failing), pattern("panicking", 1, panicking), pattern("ok", 1, ok))

	out := &sink{}
	s := New(Config{Workers: 1}, reg, out, zerolog.Nop())
	var mu sync.Mutex
	outcomes := map[string]Outcome{}
	s.OnEvaluation = func(name string, o Outcome, _ time.Duration) {
		mu.Lock()
		outcomes[name] = o
		mu.Unlock()
	}

	runAll(s, []model.Bar{bar("AAPL", 1)})

	assert.Equal(t, OutcomeError, outcomes["failing"])
	assert.Equal(t, OutcomeError, outcomes["panicking"])
	assert.Equal(t, OutcomeFired, outcomes["ok"])
	require.Len(t, out.results, 1)
	assert.Equal(t, "ok", out.results[0].Detector)
}

func TestScheduler_DetectionResultFields(t *testing.T) {
	reg := register(t, pattern("doji", 1, newRecorder(true)))
	out := &sink{}
	s := New(Config{Workers: 1}, reg, out, zerolog.Nop())
	fixed := time.Date(2024, 1, 2, 10, 1, 0, 5, time.UTC)
	s.now = func() time.Time { return fixed }

	b := bar("AAPL", 1)
	runAll(s, []model.Bar{b})

	require.Len(t, out.results, 1)
	r := out.results[0]
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "AAPL", r.Symbol)
	assert.Equal(t, "doji", r.Detector)
	assert.Equal(t, model.CategoryPattern, r.Category)
	assert.Equal(t, model.TF1m, r.Timeframe)
	assert.Equal(t, 1.0, r.Value)
	assert.True(t, r.Timestamp.Equal(b.Timestamp))
	assert.True(t, r.DetectedAt.Equal(fixed))
	assert.Equal(t, b.Symbol, r.Bar.Symbol)
}

func TestScheduler_PerSymbolOrderAcrossWorkers(t *testing.T) {
	rec := newRecorder(false)
	reg := register(t, pattern("rec", 1, rec))
	s := New(Config{Workers: 4, QueueSize: 8}, reg, &sink{}, zerolog.Nop())

	symbols := []string{"AAPL", "MSFT", "GOOG", "AMZN", "TSLA", "NVDA"}
	var bars []model.Bar
	for i := 1; i <= 40; i++ {
		for _, sym := range symbols {
			bars = append(bars, bar(sym, i))
		}
	}
	runAll(s, bars)

	for _, sym := range symbols {
		calls := rec.calls(sym)
		require.Len(t, calls, 40, sym)
		for i := 1; i < len(calls); i++ {
			prev, cur := calls[i-1][0].Timestamp, calls[i][0].Timestamp
			assert.True(t, cur.After(prev), fmt.Sprintf("%s out of order at %d", sym, i))
		}
	}
}

func TestScheduler_RejectsDuplicateBar(t *testing.T) {
	rec := newRecorder(false)
	reg := register(t, pattern("rec", 1, rec))
	s := New(Config{Workers: 1}, reg, &sink{}, zerolog.Nop())
	var rejected int
	s.OnBarRejected = func(model.Bar, error) { rejected++ }

	runAll(s, []model.Bar{bar("AAPL", 2), bar("AAPL", 2), bar("AAPL", 1), bar("AAPL", 3)})

	assert.Equal(t, 2, rejected)
	assert.Len(t, rec.calls("AAPL"), 2)
}

func TestScheduler_IgnoresUnregisteredTimeframe(t *testing.T) {
	rec := newRecorder(true)
	reg := register(t, pattern("rec", 1, rec))
	out := &sink{}
	s := New(Config{Workers: 1}, reg, out, zerolog.Nop())

	b := bar("AAPL", 1)
	b.Timeframe = model.TF5m
	runAll(s, []model.Bar{b})

	assert.Empty(t, rec.calls("AAPL"))
	assert.Empty(t, out.results)
}
