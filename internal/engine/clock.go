package engine

import "sync/atomic"

// Clock is a strictly increasing counter.
//
// Cycle keeps one Clock per id key, seeded from the highest stored id.
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose first Next returns start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out, or the seed.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
