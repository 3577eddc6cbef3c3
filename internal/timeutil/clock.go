// Package timeutil provides a testable abstraction over wall-clock time.
//
// Simulations never read the wall clock; only the tuner's time budget does,
// through a Clock so tests can drive it deterministically.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides the current time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock is a manually controlled clock for testing.
type MockClock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// NewSteppingClock returns a MockClock that advances by tick after every
// call to Now, so a loop polling the clock sees time pass.
func NewSteppingClock(t time.Time, tick time.Duration) *MockClock {
	return &MockClock{now: t, tick: tick}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.tick)
	return now
}

// Advance moves the mock clock forward by the given duration.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Deadline reports when a wall-clock budget has run out. The zero limit
// never expires.
type Deadline struct {
	clock Clock
	start time.Time
	limit time.Duration
}

// NewDeadline starts a budget of limit on clock.
func NewDeadline(clock Clock, limit time.Duration) Deadline {
	if clock == nil {
		clock = RealClock{}
	}
	return Deadline{clock: clock, start: clock.Now(), limit: limit}
}

// Expired reports whether the budget is spent.
func (d Deadline) Expired() bool {
	if d.limit <= 0 || d.clock == nil {
		return false
	}
	return d.clock.Since(d.start) >= d.limit
}

// Elapsed returns the time since the budget started.
func (d Deadline) Elapsed() time.Duration {
	if d.clock == nil {
		return 0
	}
	return d.clock.Since(d.start)
}
