// Package eventbuf batches detection results and releases them to the
// distribution channel on a fixed interval.
package eventbuf

import (
	"sync"

	"detection-engine/internal/model"
)

// Buffer is a mutex-protected double buffer. Producers append to the active
// slice; the flusher swaps it out and later hands it back for reuse, so a
// producer always has a buffer to write into.
type Buffer struct {
	mu         sync.Mutex
	active     []model.DetectionResult
	spare      []model.DetectionResult
	maxPending int // 0 = unbounded

	// Metrics hook (optional, set externally)
	OnOverflow func(dropped model.DetectionResult)
}

// NewBuffer creates a Buffer. When maxPending > 0 and the active buffer is
// full, the oldest pending result is dropped to make room.
func NewBuffer(maxPending int) *Buffer {
	return &Buffer{
		active:     make([]model.DetectionResult, 0, 64),
		spare:      make([]model.DetectionResult, 0, 64),
		maxPending: maxPending,
	}
}

// Enqueue appends r. It never blocks on the flusher.
func (b *Buffer) Enqueue(r model.DetectionResult) {
	b.mu.Lock()
	var dropped *model.DetectionResult
	if b.maxPending > 0 && len(b.active) >= b.maxPending {
		old := b.active[0]
		dropped = &old
		n := copy(b.active, b.active[1:])
		b.active = b.active[:n]
	}
	b.active = append(b.active, r)
	b.mu.Unlock()

	if dropped != nil && b.OnOverflow != nil {
		b.OnOverflow(*dropped)
	}
}

// Swap takes the pending results, oldest first, and installs an empty buffer
// in their place. The caller owns the returned slice until Recycle.
func (b *Buffer) Swap() []model.DetectionResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.active
	if b.spare != nil {
		b.active = b.spare[:0]
		b.spare = nil
	} else {
		b.active = make([]model.DetectionResult, 0, cap(out))
	}
	return out
}

// Recycle returns a swapped-out slice for reuse.
func (b *Buffer) Recycle(batch []model.DetectionResult) {
	clear(batch)
	b.mu.Lock()
	if b.spare == nil {
		b.spare = batch[:0]
	}
	b.mu.Unlock()
}

// Len returns the number of pending results.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}
