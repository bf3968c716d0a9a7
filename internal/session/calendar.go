// Package session maps instants onto trading sessions. A session is one
// calendar day in the exchange's location, optionally shifted by DayStart
// for venues whose trading day begins before midnight.
package session

import (
	"fmt"
	"time"
)

// Calendar assigns every instant to exactly one session.
type Calendar struct {
	loc      *time.Location
	dayStart time.Duration
}

// UTC is a midnight-to-midnight UTC calendar.
var UTC = &Calendar{loc: time.UTC}

// New loads the named location. dayStart shifts the session boundary from
// midnight, e.g. -6h for a session that opens at 18:00 the previous evening.
func New(location string, dayStart time.Duration) (*Calendar, error) {
	if dayStart <= -24*time.Hour || dayStart >= 24*time.Hour {
		return nil, fmt.Errorf("session day start %s out of range", dayStart)
	}
	loc, err := time.LoadLocation(location)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", location, err)
	}
	return &Calendar{loc: loc, dayStart: dayStart}, nil
}

// Location returns the calendar's time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Start returns the beginning of the session containing t.
func (c *Calendar) Start(t time.Time) time.Time {
	y, m, d := c.date(t)
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc).Add(c.dayStart)
}

// End returns the beginning of the session after the one containing t.
func (c *Calendar) End(t time.Time) time.Time {
	y, m, d := c.date(t)
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.loc).Add(c.dayStart)
}

// Key identifies the session containing t as its trading date, "2006-01-02".
func (c *Calendar) Key(t time.Time) string {
	y, m, d := c.date(t)
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// date returns the trading date of t.
func (c *Calendar) date(t time.Time) (int, time.Month, int) {
	return t.In(c.loc).Add(-c.dayStart).Date()
}
