// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations of the dispatcher's machine seams for testing.
// Everything is deterministic and driven by the test.

package fake

import (
	"sync/atomic"
	"time"
)

// Clock is a manual nanosecond clock. It starts at a non-zero reading so
// that a zero timestamp still means "never".
type Clock struct {
	now atomic.Int64
}

// NewClock returns a clock reading start, or one second if start is 0.
func NewClock(start int64) *Clock {
	if start == 0 {
		start = int64(time.Second)
	}
	c := &Clock{}
	c.now.Store(start)
	return c
}

func (c *Clock) Now() int64 { return c.now.Load() }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.now.Add(int64(d)) }

// Set moves the clock to ns.
func (c *Clock) Set(ns int64) { c.now.Store(ns) }
