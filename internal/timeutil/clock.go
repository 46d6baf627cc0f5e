// Package timeutil provides the reference clock that relative dates are
// resolved against.
package timeutil

import "time"

// Clock provides the current time. Relative configuration values such as
// "1Y" are resolved against a Clock rather than the wall clock so that
// windowing and aggregation stay deterministic under test.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// FixedClock always reports the same instant.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time {
	return c.T
}

// Today truncates the clock's current time to a UTC calendar date.
func Today(c Clock) time.Time {
	if c == nil {
		c = RealClock{}
	}
	now := c.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
