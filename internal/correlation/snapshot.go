package correlation

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// SnapshotVersion is the current Snapshot schema.
const SnapshotVersion = 1

// ErrIncompatibleSnapshot is returned by Restore when a snapshot was taken
// with different bucketing or a different co-occurrence window.
var ErrIncompatibleSnapshot = errors.New("incompatible correlation snapshot")

// Snapshot is the persisted bucket counts of an Engine. Running totals and
// per-symbol history are not stored; totals are recomputed on Restore.
type Snapshot struct {
	Version    int            `json:"version"`
	Window     string         `json:"window"`
	BucketSize time.Duration  `json:"bucket_size"`
	Watermark  time.Time      `json:"watermark"`
	TakenAt    time.Time      `json:"taken_at"`
	Buckets    []BucketCounts `json:"buckets"`
}

// BucketCounts is one time bucket.
type BucketCounts struct {
	Start     time.Time        `json:"start"`
	Marginals map[string]int64 `json:"marginals"`
	Joints    []JointCount     `json:"joints"`
}

// JointCount is the joint count of one pair within a bucket.
type JointCount struct {
	A     string `json:"a"`
	B     string `json:"b"`
	Count int64  `json:"count"`
}

// Snapshot captures the bucket counts. Buckets and joints are ordered, so
// equal state yields an equal snapshot.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := &Snapshot{
		Version:    SnapshotVersion,
		Window:     e.cfg.Window.String(),
		BucketSize: e.cfg.BucketSize,
		Watermark:  e.watermark,
		TakenAt:    e.now().UTC(),
		Buckets:    make([]BucketCounts, 0, len(e.buckets)),
	}
	for _, b := range e.buckets {
		bc := BucketCounts{
			Start:     b.start,
			Marginals: make(map[string]int64, len(b.marginals)),
			Joints:    make([]JointCount, 0, len(b.joints)),
		}
		for d, c := range b.marginals {
			bc.Marginals[d] = c
		}
		for k, c := range b.joints {
			bc.Joints = append(bc.Joints, JointCount{A: k.A, B: k.B, Count: c})
		}
		sort.Slice(bc.Joints, func(i, j int) bool {
			return PairKey{bc.Joints[i].A, bc.Joints[i].B}.less(PairKey{bc.Joints[j].A, bc.Joints[j].B})
		})
		s.Buckets = append(s.Buckets, bc)
	}
	sort.Slice(s.Buckets, func(i, j int) bool { return s.Buckets[i].Start.Before(s.Buckets[j].Start) })
	return s
}

// Restore replaces the engine state with s and recomputes totals from its
// buckets. Buckets already past retention are discarded.
func (e *Engine) Restore(s *Snapshot) error {
	if s == nil {
		return nil
	}
	if s.Version > SnapshotVersion {
		return fmt.Errorf("%w: version %d", ErrIncompatibleSnapshot, s.Version)
	}
	if s.BucketSize != e.cfg.BucketSize {
		return fmt.Errorf("%w: bucket size %s, engine uses %s", ErrIncompatibleSnapshot, s.BucketSize, e.cfg.BucketSize)
	}
	if s.Window != e.cfg.Window.String() {
		return fmt.Errorf("%w: window %s, engine uses %s", ErrIncompatibleSnapshot, s.Window, e.cfg.Window)
	}

	e.mu.Lock()
	e.reset()
	for _, bc := range s.Buckets {
		b := e.bucketFor(bc.Start)
		for d, c := range bc.Marginals {
			if c <= 0 {
				continue
			}
			b.marginals[d] += c
			e.marginals[d] += c
		}
		for _, j := range bc.Joints {
			if j.Count <= 0 || j.A == j.B {
				continue
			}
			k := NewPairKey(j.A, j.B)
			b.joints[k] += j.Count
			e.joints[k] += j.Count
		}
	}
	e.watermark = s.Watermark
	evicted := 0
	if !e.watermark.IsZero() {
		evicted = e.evictBefore(e.watermark.Add(-e.cfg.Retention))
	}
	buckets := len(e.buckets)
	e.mu.Unlock()

	e.log.Info().Int("buckets", buckets).Int("expired", evicted).Time("watermark", s.Watermark).Msg("restored correlation state")
	return nil
}
