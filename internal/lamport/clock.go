// Package lamport implements a Lamport logical clock.
package lamport

import (
	"math"
	"sync/atomic"
)

// Clock is a Lamport logical clock safe for concurrent use. The zero value is
// ready to use and starts at 0. One Clock is shared by every request path of
// a process; clients each own their own.
type Clock struct {
	time atomic.Int64
}

// New returns a clock starting at 0.
func New() *Clock {
	return &Clock{}
}

// Tick advances the clock for a locally authored event and returns the new value.
// The clock saturates at math.MaxInt64 instead of wrapping.
func (c *Clock) Tick() int64 {
	for {
		cur := c.time.Load()
		next := advance(cur)
		if c.time.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Observe applies the receive rule: time = max(time, received) + 1.
// It returns the value assigned to the receive event.
func (c *Clock) Observe(received int64) int64 {
	for {
		cur := c.time.Load()
		next := cur
		if received > next {
			next = received
		}
		next = advance(next)
		if c.time.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Current returns the current value without advancing the clock.
func (c *Clock) Current() int64 {
	return c.time.Load()
}

func advance(v int64) int64 {
	if v == math.MaxInt64 {
		return v
	}
	return v + 1
}
