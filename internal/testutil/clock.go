// Package testutil provides deterministic clocks and id generators for tests.
package testutil

import (
	"sync"
	"time"
)

// ManualClock is a controllable clock for tests.
//
// Each call to Now returns the current reading and then advances it by the
// step, so consecutive versions get distinct, predictable timestamps. A zero
// step freezes the clock until Set or Advance moves it.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewManualClock creates a clock reading start that advances by step per call.
func NewManualClock(start time.Time, step time.Duration) *ManualClock {
	start = start.UTC()
	return &ManualClock{start: start, now: start, step: step}
}

// Now returns the current reading and advances by the step.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the reading the next Now call will return, without advancing.
func (c *ManualClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed, which lets tests
// simulate a wall clock stepping back.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to its start reading.
func (c *ManualClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
