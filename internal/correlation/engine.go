// Package correlation keeps rolling co-occurrence counts of detector types
// and answers pairwise and top-N correlation queries from those counts.
//
// Two detections co-occur when they are for the same symbol, come from
// different detector types and fall in one co-occurrence Window. Matching is
// one-to-one per pair of types: a detection pairs with at most one detection
// of each other type, the most recent unpaired one. The joint count of a
// pair therefore never exceeds either marginal count.
//
// Counts are kept in fixed time buckets. Buckets older than the retention
// period are evicted and subtracted from the running totals, so the
// coefficient of a pair is always computed from stored totals.
package correlation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSameDetector is returned by Pair when both names are equal.
var ErrSameDetector = errors.New("a pair needs two distinct detectors")

// Drop reasons passed to OnDropped.
const (
	DropQueueFull = "queue_full"
	DropInvalid   = "invalid"
	DropLate      = "late"
	DropDuplicate = "duplicate"
)

// Observation is one detection as seen by the engine.
type Observation struct {
	EventID   string
	Symbol    string
	Detector  string
	Timestamp time.Time
}

// Config configures an Engine.
type Config struct {
	Window        Window
	BucketSize    time.Duration // default 24h
	Retention     time.Duration // default 30 days
	QueueSize     int           // default 4096
	SweepInterval time.Duration // default 1m
}

type entry struct {
	obs    Observation
	paired map[string]struct{} // detector types already matched with this event
}

type bucket struct {
	start     time.Time
	marginals map[string]int64
	joints    map[PairKey]int64
}

func newBucket(start time.Time) *bucket {
	return &bucket{start: start, marginals: make(map[string]int64), joints: make(map[PairKey]int64)}
}

// Engine is a single-writer co-occurrence aggregator. Observations are
// applied by Run in submission order; queries may run concurrently.
type Engine struct {
	cfg   Config
	log   zerolog.Logger
	queue chan Observation
	now   func() time.Time

	mu        sync.RWMutex
	history   map[string][]*entry // per symbol, ascending timestamp
	buckets   map[int64]*bucket   // key = bucket start, unix nanos
	marginals map[string]int64
	joints    map[PairKey]int64
	watermark time.Time

	// Metrics hooks (optional, set externally)
	OnApplied func(pairs int)
	OnDropped func(reason string)
	OnEvicted func(buckets int)
}

// New creates an Engine.
func New(cfg Config, log zerolog.Logger) *Engine {
	if cfg.Window == nil {
		cfg.Window = TimeWindow{D: 5 * time.Minute}
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	e := &Engine{
		cfg:   cfg,
		log:   log.With().Str("component", "correlation").Logger(),
		queue: make(chan Observation, cfg.QueueSize),
		now:   time.Now,
	}
	e.reset()
	return e
}

func (e *Engine) reset() {
	e.history = make(map[string][]*entry)
	e.buckets = make(map[int64]*bucket)
	e.marginals = make(map[string]int64)
	e.joints = make(map[PairKey]int64)
	e.watermark = time.Time{}
}

// Submit queues o for Run without blocking. It reports false if the queue
// is full and the observation was dropped.
func (e *Engine) Submit(o Observation) bool {
	select {
	case e.queue <- o:
		return true
	default:
		e.dropped(DropQueueFull)
		return false
	}
}

// Run applies queued observations and sweeps expired buckets until ctx is
// cancelled, then applies what is left in the queue.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.log.Info().
		Str("window", e.cfg.Window.String()).
		Dur("bucket_size", e.cfg.BucketSize).
		Dur("retention", e.cfg.Retention).
		Msg("correlation engine started")

	for {
		select {
		case <-ctx.Done():
			n := e.drain()
			e.log.Info().Int("drained", n).Msg("correlation engine stopped")
			return
		case o := <-e.queue:
			e.Apply(o)
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}

// drain applies whatever is still queued.
func (e *Engine) drain() int {
	for n := 0; ; n++ {
		select {
		case o := <-e.queue:
			e.Apply(o)
		default:
			return n
		}
	}
}

// Apply records o and returns the number of pairs it formed. It is called by
// Run; tests and replays may call it directly from a single goroutine.
func (e *Engine) Apply(o Observation) int {
	if o.Symbol == "" || o.Detector == "" || o.Timestamp.IsZero() {
		e.dropped(DropInvalid)
		return 0
	}

	e.mu.Lock()
	n, reason := e.apply(o)
	evicted := 0
	if reason == "" {
		evicted = e.evictBefore(e.watermark.Add(-e.cfg.Retention))
	}
	e.mu.Unlock()

	if reason != "" {
		e.dropped(reason)
		return 0
	}
	if evicted > 0 && e.OnEvicted != nil {
		e.OnEvicted(evicted)
	}
	if e.OnApplied != nil {
		e.OnApplied(n)
	}
	return n
}

func (e *Engine) apply(o Observation) (int, string) {
	if !e.watermark.IsZero() && o.Timestamp.Before(e.watermark.Add(-e.cfg.Retention)) {
		return 0, DropLate
	}

	hist := e.history[o.Symbol]
	if o.EventID != "" {
		for _, x := range hist {
			if x.obs.EventID == o.EventID {
				return 0, DropDuplicate
			}
		}
	}

	cur := &entry{obs: o, paired: make(map[string]struct{})}
	b := e.bucketFor(o.Timestamp)
	b.marginals[o.Detector]++
	e.marginals[o.Detector]++

	// Newest first, so each other type pairs with its most recent match.
	pairs := 0
	for i := len(hist) - 1; i >= 0; i-- {
		x := hist[i]
		other := x.obs.Detector
		if other == o.Detector {
			continue
		}
		if _, done := cur.paired[other]; done {
			continue
		}
		if _, taken := x.paired[o.Detector]; taken {
			continue
		}
		if !e.cfg.Window.CoOccur(o.Timestamp, x.obs.Timestamp) {
			continue
		}
		x.paired[o.Detector] = struct{}{}
		cur.paired[other] = struct{}{}
		k := NewPairKey(o.Detector, other)
		b.joints[k]++
		e.joints[k]++
		pairs++
	}

	hist = insertSorted(hist, cur)
	e.history[o.Symbol] = prune(hist, e.cfg.Window.Horizon(hist[len(hist)-1].obs.Timestamp))
	if o.Timestamp.After(e.watermark) {
		e.watermark = o.Timestamp
	}
	return pairs, ""
}

func insertSorted(hist []*entry, x *entry) []*entry {
	i := len(hist)
	for i > 0 && hist[i-1].obs.Timestamp.After(x.obs.Timestamp) {
		i--
	}
	hist = append(hist, nil)
	copy(hist[i+1:], hist[i:])
	hist[i] = x
	return hist
}

// prune drops entries before horizon. hist is ascending.
func prune(hist []*entry, horizon time.Time) []*entry {
	i := 0
	for i < len(hist) && hist[i].obs.Timestamp.Before(horizon) {
		i++
	}
	if i == 0 {
		return hist
	}
	n := copy(hist, hist[i:])
	clear(hist[n:])
	return hist[:n]
}

func (e *Engine) bucketFor(t time.Time) *bucket {
	start := t.UTC().Truncate(e.cfg.BucketSize)
	key := start.UnixNano()
	b, ok := e.buckets[key]
	if !ok {
		b = newBucket(start)
		e.buckets[key] = b
	}
	return b
}

// evictBefore removes buckets that end at or before cutoff and subtracts
// their counts from the totals.
func (e *Engine) evictBefore(cutoff time.Time) int {
	n := 0
	for key, b := range e.buckets {
		if b.start.Add(e.cfg.BucketSize).After(cutoff) {
			continue
		}
		for d, c := range b.marginals {
			subtract(e.marginals, d, c)
		}
		for k, c := range b.joints {
			subtract(e.joints, k, c)
		}
		delete(e.buckets, key)
		n++
	}
	return n
}

func subtract[K comparable](m map[K]int64, k K, c int64) {
	if m[k] -= c; m[k] <= 0 {
		delete(m, k)
	}
}

// Sweep evicts buckets past retention as of now and trims per-symbol
// histories that can no longer pair with new events.
func (e *Engine) Sweep(now time.Time) int {
	cutoff := now.Add(-e.cfg.Retention)
	e.mu.Lock()
	evicted := e.evictBefore(cutoff)
	if !e.watermark.IsZero() {
		horizon := e.cfg.Window.Horizon(e.watermark)
		if cutoff.After(horizon) {
			horizon = cutoff
		}
		for sym, hist := range e.history {
			if hist = prune(hist, horizon); len(hist) == 0 {
				delete(e.history, sym)
			} else {
				e.history[sym] = hist
			}
		}
	}
	e.mu.Unlock()

	if evicted > 0 {
		e.log.Debug().Int("buckets", evicted).Msg("evicted expired buckets")
		if e.OnEvicted != nil {
			e.OnEvicted(evicted)
		}
	}
	return evicted
}

func (e *Engine) dropped(reason string) {
	if e.OnDropped != nil {
		e.OnDropped(reason)
	}
}

// Pair returns the statistics of detectors a and b. A pair with no
// occurrences of either detector has an undefined coefficient.
func (e *Engine) Pair(a, b string) (PairStat, error) {
	if a == b {
		return PairStat{}, ErrSameDetector
	}
	k := NewPairKey(a, b)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return newPairStat(k, e.joints[k], e.marginals[k.A], e.marginals[k.B]), nil
}

// TopCorrelations returns pairs with a defined coefficient of at least
// minCoefficient, highest first, ties broken by detector names. limit <= 0
// returns every qualifying pair.
func (e *Engine) TopCorrelations(limit int, minCoefficient float64) []PairStat {
	e.mu.RLock()
	names := make([]string, 0, len(e.marginals))
	for d := range e.marginals {
		names = append(names, d)
	}
	sort.Strings(names)

	var out []PairStat
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			k := PairKey{A: names[i], B: names[j]}
			st := newPairStat(k, e.joints[k], e.marginals[k.A], e.marginals[k.B])
			if st.Coefficient.Defined && st.Coefficient.Value >= minCoefficient {
				out = append(out, st)
			}
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Coefficient.Value != out[j].Coefficient.Value {
			return out[i].Coefficient.Value > out[j].Coefficient.Value
		}
		return PairKey{out[i].DetectorA, out[i].DetectorB}.less(PairKey{out[j].DetectorA, out[j].DetectorB})
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the stored marginal count of detector d.
func (e *Engine) Count(d string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.marginals[d]
}

// Stats returns the number of live buckets and of pairs with a non-zero
// joint count.
func (e *Engine) Stats() (buckets, pairs int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.buckets), len(e.joints)
}
