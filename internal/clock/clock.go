// Package clock provides the wall and monotonic time sources used for session
// timestamps and clock-offset estimation. Production code uses Real(); tests
// inject Fake() to control both readings deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock returns paired wall-clock and monotonic readings.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// Monotonic returns nanoseconds on a clock that never goes backwards.
	// Only differences between readings are meaningful.
	Monotonic() int64
}

// Pair is a wall-clock and monotonic reading captured together. It is the
// single reference point recorders and later alignment use for a session.
type Pair struct {
	Wall        time.Time
	MonotonicNs int64
}

// Capture takes one synchronized reading from c.
func Capture(c Clock) Pair {
	mono := c.Monotonic()
	return Pair{Wall: c.Now().UTC(), MonotonicNs: mono}
}

var processStart = time.Now()

type realClock struct{}

// Real returns the process clock. Monotonic readings count from process
// start using the runtime's monotonic clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Monotonic() int64 { return int64(time.Since(processStart)) }

// FakeClock is a settable Clock for tests. Time stands still until Advance or
// Set is called.
type FakeClock struct {
	mu   sync.Mutex
	wall time.Time
	mono int64
}

// Fake returns a FakeClock at the given wall time with monotonic reading 0.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{wall: initial}
}

// Now returns the fake wall time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

// Monotonic returns the fake monotonic reading.
func (c *FakeClock) Monotonic() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

// Advance moves both readings forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = c.wall.Add(d)
	c.mono += int64(d)
}

// Set moves the wall reading to t without touching the monotonic reading.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = t
}
