package correlation

import (
	"fmt"
	"time"

	"detection-engine/internal/session"
)

// Window decides whether two detections co-occur.
type Window interface {
	// CoOccur reports whether events at a and b fall in one window.
	CoOccur(a, b time.Time) bool
	// Horizon is the earliest instant that can still co-occur with an event
	// at t or later.
	Horizon(t time.Time) time.Time
	String() string
}

// TimeWindow pairs events at most D apart.
type TimeWindow struct {
	D time.Duration
}

func (w TimeWindow) CoOccur(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= w.D
}

func (w TimeWindow) Horizon(t time.Time) time.Time { return t.Add(-w.D) }

func (w TimeWindow) String() string { return "time/" + w.D.String() }

// SessionWindow pairs events in the same trading session.
type SessionWindow struct {
	Calendar *session.Calendar
}

func (w SessionWindow) CoOccur(a, b time.Time) bool {
	return w.Calendar.Key(a) == w.Calendar.Key(b)
}

func (w SessionWindow) Horizon(t time.Time) time.Time { return w.Calendar.Start(t) }

func (w SessionWindow) String() string { return "session" }

// NewWindow builds the window for mode "time" or "session".
func NewWindow(mode string, d time.Duration, cal *session.Calendar) (Window, error) {
	switch mode {
	case "", "time":
		if d <= 0 {
			return nil, fmt.Errorf("time window must be positive, got %s", d)
		}
		return TimeWindow{D: d}, nil
	case "session":
		if cal == nil {
			cal = session.UTC
		}
		return SessionWindow{Calendar: cal}, nil
	}
	return nil, fmt.Errorf("unknown co-occurrence mode %q", mode)
}
