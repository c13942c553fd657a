package quota

import (
	"sync"
	"time"
)

// Clock supplies the current calendar date. All window math goes through it;
// callers never pass dates into the service.
type Clock interface {
	Today() time.Time
}

// SystemClock reads the wall clock and truncates to the UTC date.
type SystemClock struct{}

func (SystemClock) Today() time.Time { return DateOf(time.Now()) }

// FixedClock returns a settable date. Used by tests and by admin tooling that
// needs to act on a specific window.
type FixedClock struct {
	mu  sync.Mutex
	day time.Time
}

// NewFixedClock returns a clock pinned to day's UTC date.
func NewFixedClock(day time.Time) *FixedClock {
	return &FixedClock{day: DateOf(day)}
}

func (c *FixedClock) Today() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.day
}

// Set moves the clock to day's UTC date.
func (c *FixedClock) Set(day time.Time) {
	c.mu.Lock()
	c.day = DateOf(day)
	c.mu.Unlock()
}

// DateOf truncates t to midnight UTC of its UTC calendar day.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
