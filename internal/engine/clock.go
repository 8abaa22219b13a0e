package engine

import (
	"time"

	"github.com/roach88/chronoctx/internal/ir"
)

// Clock supplies version timestamps.
// Implemented by WallClock (production) and testutil.ManualClock (tests).
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock.
//
// Thread-safety: WallClock is stateless and safe for concurrent use.
type WallClock struct{}

// Now returns the current UTC time.
func (WallClock) Now() time.Time {
	return time.Now().UTC()
}

// stamp returns the commit timestamp for a version whose predecessor was
// created at prev. The result is truncated to milliseconds and never
// earlier than prev.
func stamp(c Clock, prev time.Time) time.Time {
	now := ir.TruncateMilli(c.Now())
	if now.Before(prev) {
		return prev
	}
	return now
}
