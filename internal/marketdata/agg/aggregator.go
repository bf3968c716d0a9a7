// Package agg turns a tick stream into finalized OHLCV bars for every
// configured timeframe.
package agg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"detection-engine/internal/model"
	"detection-engine/internal/session"
)

var (
	// ErrInvalidTick is returned for ticks that can never form a bar.
	ErrInvalidTick = errors.New("invalid tick")
	// ErrLateTick is returned when a tick arrives after its interval was
	// finalized, or beyond the lateness tolerance of the open interval.
	ErrLateTick = errors.New("late tick")
)

// Config configures the Aggregator.
type Config struct {
	Timeframes []model.Timeframe

	// LatenessTolerance bounds how far behind the newest tick of an open bar
	// a tick may be and still revise that bar.
	LatenessTolerance time.Duration

	// IdleFlushInterval is how often Run closes bars whose interval ended
	// without a boundary-crossing tick. Defaults to 500ms.
	IdleFlushInterval time.Duration

	// Calendar aligns daily bars. Defaults to session.UTC.
	Calendar *session.Calendar
}

// barState holds the in-progress bar for one symbol and timeframe.
type barState struct {
	bar     model.Bar
	openTS  time.Time // timestamp of the tick that set Open
	closeTS time.Time // timestamp of the tick that set Close
	lastTS  time.Time // newest tick seen
}

func newBarState(t model.Tick, tf model.Timeframe, start, end time.Time) *barState {
	return &barState{
		bar: model.Bar{
			Symbol:    t.Symbol,
			Timeframe: tf,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			Close:     t.Price,
			Volume:    t.Size,
			Start:     start,
			Timestamp: end,
			Ticks:     1,
		},
		openTS:  t.Timestamp,
		closeTS: t.Timestamp,
		lastTS:  t.Timestamp,
	}
}

func (s *barState) update(t model.Tick) {
	b := &s.bar
	if t.Price.GreaterThan(b.High) {
		b.High = t.Price
	}
	if t.Price.LessThan(b.Low) {
		b.Low = t.Price
	}
	if t.Timestamp.Before(s.openTS) {
		b.Open = t.Price
		s.openTS = t.Timestamp
	}
	if !t.Timestamp.Before(s.closeTS) {
		b.Close = t.Price
		s.closeTS = t.Timestamp
	}
	if t.Timestamp.After(s.lastTS) {
		s.lastTS = t.Timestamp
	}
	b.Volume += t.Size
	b.Ticks++
}

// Aggregator builds bars from ticks. Each (symbol, timeframe, interval) is
// emitted at most once.
type Aggregator struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	open    map[string]*barState // key = "symbol|timeframe"
	emitted map[string]time.Time // start of the last finalized interval per key

	// Metrics hooks (optional, set externally)
	OnRejectedTick func(reason string)
	OnBar          func(b model.Bar)
}

// New creates an Aggregator.
func New(cfg Config, log zerolog.Logger) *Aggregator {
	if cfg.IdleFlushInterval <= 0 {
		cfg.IdleFlushInterval = 500 * time.Millisecond
	}
	if cfg.Calendar == nil {
		cfg.Calendar = session.UTC
	}
	return &Aggregator{
		cfg:     cfg,
		log:     log.With().Str("component", "agg").Logger(),
		now:     time.Now,
		open:    make(map[string]*barState),
		emitted: make(map[string]time.Time),
	}
}

// Run consumes ticks from tickCh and sends finalized bars to barCh until ctx
// is cancelled or tickCh is closed. Open bars are flushed on exit.
// Sends block: the consumer must drain barCh until Run returns.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, barCh chan<- model.Bar) {
	ticker := time.NewTicker(a.cfg.IdleFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.emit(barCh, a.FlushAll())
			return

		case tick, ok := <-tickCh:
			if !ok {
				a.emit(barCh, a.FlushAll())
				return
			}
			bars, err := a.OnTick(tick)
			if err != nil {
				a.log.Debug().Err(err).Str("symbol", tick.Symbol).Time("ts", tick.Timestamp).Msg("tick rejected")
			}
			a.emit(barCh, bars)

		case <-ticker.C:
			a.emit(barCh, a.FlushIdle(a.now()))
		}
	}
}

// OnTick folds one tick into every timeframe and returns the bars it
// finalized. A tick rejected by every timeframe returns ErrLateTick.
func (a *Aggregator) OnTick(t model.Tick) ([]model.Bar, error) {
	if reason := t.Validate(); reason != "" {
		a.reject(reason)
		return nil, fmt.Errorf("%w: %s", ErrInvalidTick, reason)
	}

	a.mu.Lock()
	var (
		out      []model.Bar
		accepted int
		late     int
	)
	for _, tf := range a.cfg.Timeframes {
		bar, ok := a.apply(tf, t)
		if !ok {
			late++
			continue
		}
		accepted++
		if bar != nil {
			out = append(out, *bar)
		}
	}
	a.mu.Unlock()

	for i := 0; i < late; i++ {
		a.reject("late")
	}
	if accepted == 0 && late > 0 {
		return out, ErrLateTick
	}
	return out, nil
}

// apply folds t into the open bar for tf. It returns the bar finalized by a
// boundary crossing, if any, and whether t was accepted.
func (a *Aggregator) apply(tf model.Timeframe, t model.Tick) (*model.Bar, bool) {
	key := t.Symbol + "|" + string(tf)
	start, end := a.bucket(tf, t.Timestamp)

	if last, ok := a.emitted[key]; ok && !start.After(last) {
		return nil, false
	}

	st, exists := a.open[key]
	if exists {
		switch {
		case start.Equal(st.bar.Start):
			if st.lastTS.Sub(t.Timestamp) > a.cfg.LatenessTolerance {
				return nil, false
			}
			st.update(t)
			return nil, true
		case start.Before(st.bar.Start):
			// Interval never opened and is already behind the open bar.
			return nil, false
		}
	}

	var finalized *model.Bar
	if exists {
		b := a.finalize(key, st)
		finalized = &b
	}
	a.open[key] = newBarState(t, tf, start, end)
	return finalized, true
}

// FlushIdle finalizes open bars whose interval ended more than the lateness
// tolerance before now.
func (a *Aggregator) FlushIdle(now time.Time) []model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []model.Bar
	for key, st := range a.open {
		if !now.Before(st.bar.Timestamp.Add(a.cfg.LatenessTolerance)) {
			out = append(out, a.finalize(key, st))
		}
	}
	sortBars(out)
	return out
}

// FlushAll finalizes every open bar regardless of its interval.
func (a *Aggregator) FlushAll() []model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.Bar, 0, len(a.open))
	for key, st := range a.open {
		out = append(out, a.finalize(key, st))
	}
	sortBars(out)
	return out
}

// OpenBars returns the number of bars currently being built.
func (a *Aggregator) OpenBars() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

func (a *Aggregator) finalize(key string, st *barState) model.Bar {
	delete(a.open, key)
	a.emitted[key] = st.bar.Start
	return st.bar
}

// bucket returns the interval containing ts. Intraday intervals are aligned
// to UTC; daily intervals follow the session calendar.
func (a *Aggregator) bucket(tf model.Timeframe, ts time.Time) (time.Time, time.Time) {
	if tf.Daily() {
		return a.cfg.Calendar.Start(ts), a.cfg.Calendar.End(ts)
	}
	d := tf.Duration()
	start := ts.UTC().Truncate(d)
	return start, start.Add(d)
}

func (a *Aggregator) emit(barCh chan<- model.Bar, bars []model.Bar) {
	for _, b := range bars {
		if a.OnBar != nil {
			a.OnBar(b)
		}
		barCh <- b
	}
}

func (a *Aggregator) reject(reason string) {
	if a.OnRejectedTick != nil {
		a.OnRejectedTick(reason)
	}
}

func sortBars(bars []model.Bar) {
	sort.Slice(bars, func(i, j int) bool {
		if bars[i].Symbol != bars[j].Symbol {
			return bars[i].Symbol < bars[j].Symbol
		}
		if !bars[i].Start.Equal(bars[j].Start) {
			return bars[i].Start.Before(bars[j].Start)
		}
		return bars[i].Timeframe < bars[j].Timeframe
	})
}
