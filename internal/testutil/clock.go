package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe clock for tests. Each call to Now
// advances by Step from Start, so timestamps are distinct and reproducible.
type DeterministicClock struct {
	mu    sync.Mutex
	Start time.Time
	Step  time.Duration
	ticks int64
}

// NewDeterministicClock creates a clock at 2024-01-01T00:00:00Z stepping
// one second per call.
//
// The first call to Now returns Start + Step.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:  time.Second,
	}
}

// Now advances the clock and returns the new time.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return c.Start.Add(time.Duration(c.ticks) * c.Step)
}

// Current returns the time of the last Now call without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Start.Add(time.Duration(c.ticks) * c.Step)
}

// Reset rewinds the clock so the next Now returns Start + Step again.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
