package types

import "time"

// Clock abstracts time for testability. Every component that computes delays
// or windows receives a Clock instead of reading the wall clock ad hoc, so
// tests can pin "now" to a fixed instant.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// FixedClock implements Clock with a pinned instant. Intended for tests.
type FixedClock struct {
	At time.Time
}

// Now returns the pinned instant.
func (c FixedClock) Now() time.Time { return c.At }
