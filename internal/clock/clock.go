// Package clock abstracts time so cache expiry and liveness checks can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of time operations the bridge depends on.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Since returns the time elapsed since t
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time on the returned channel
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the current goroutine for at least the duration d
	Sleep(d time.Duration)
}

// Real implements Clock with the standard time package.
type Real struct{}

// NewReal creates a Clock backed by real time.
func NewReal() *Real {
	return &Real{}
}

func (c *Real) Now() time.Time {
	return time.Now()
}

func (c *Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (c *Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Mock is a Clock whose time only moves when a test calls Advance or Set.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*mockWaiter
}

type mockWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMock creates a Mock starting at the given time.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

func (c *Mock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Mock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// After returns a channel that fires once Advance moves time past d.
func (c *Mock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &mockWaiter{
		deadline: c.current.Add(d),
		ch:       make(chan time.Time, 1),
	}
	c.waiters = append(c.waiters, w)
	return w.ch
}

// Sleep is a no-op in mock mode. Tests move time with Advance.
func (c *Mock) Sleep(d time.Duration) {}

// Advance moves the mock clock forward and fires any waiters that expired.
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var expired []*mockWaiter
	var remaining []*mockWaiter
	for _, w := range c.waiters {
		if !w.deadline.After(now) {
			expired = append(expired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()

	for _, w := range expired {
		w.ch <- now
	}
}

// Set jumps the mock clock to a specific time, firing expired waiters when
// moving forward.
func (c *Mock) Set(t time.Time) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if t.After(current) {
		c.Advance(t.Sub(current))
		return
	}

	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}
