// Package ringbuf provides the fixed-capacity bar history kept per symbol and
// timeframe. A Window is owned by a single scheduler worker and is not safe
// for concurrent use.
package ringbuf

import (
	"errors"

	"detection-engine/internal/model"
)

// ErrOutOfOrder is returned by Push for a bar that does not advance the
// window's last timestamp.
var ErrOutOfOrder = errors.New("bar not newer than window tail")

// Window is a FIFO ring of bars in strictly increasing timestamp order.
// When full, pushing evicts the oldest bar.
type Window struct {
	buf  []model.Bar
	head uint64 // total bars pushed
	tail uint64 // index of the oldest retained bar

	evicted uint64
}

// New creates a window holding at most capacity bars. Minimum capacity is 1.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]model.Bar, capacity)}
}

// Push appends b, evicting the oldest bar if the window is full.
// Duplicate or older timestamps are rejected and the window is unchanged.
func (w *Window) Push(b model.Bar) error {
	if w.head > w.tail {
		last := w.buf[(w.head-1)%uint64(len(w.buf))]
		if !b.Timestamp.After(last.Timestamp) {
			return ErrOutOfOrder
		}
	}

	if w.head-w.tail == uint64(len(w.buf)) {
		w.tail++
		w.evicted++
	}
	w.buf[w.head%uint64(len(w.buf))] = b
	w.head++
	return nil
}

// Last returns a copy of the newest k bars, oldest first. It returns fewer
// than k bars only if the window holds fewer.
func (w *Window) Last(k int) []model.Bar {
	n := w.Len()
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}
	out := make([]model.Bar, k)
	start := w.head - uint64(k)
	for i := range out {
		out[i] = w.buf[(start+uint64(i))%uint64(len(w.buf))]
	}
	return out
}

// Len returns the current number of bars in the window.
func (w *Window) Len() int {
	return int(w.head - w.tail)
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.buf)
}

// Evicted returns how many bars have been pushed out by newer ones.
func (w *Window) Evicted() uint64 {
	return w.evicted
}
