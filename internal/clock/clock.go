// Package clock abstracts the wall clock so time budgets and delays can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
//
// Production code uses Real(); tests use Fake() and advance time explicitly.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Real returns a Clock backed by time.Now.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

// FakeClock is a Clock whose time only moves when Advance or Set is called.
// It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	onNow   func(*FakeClock)
}

// Fake returns a FakeClock initialized to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake current time.
//
// If a hook was installed with OnNow, it runs after the time is read. Tests use
// the hook to model work that takes time between two clock reads.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	now := c.current
	hook := c.onNow
	c.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// OnNow installs a hook invoked after every Now call. Pass nil to remove it.
// The hook must not call Now.
func (c *FakeClock) OnNow(hook func(*FakeClock)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNow = hook
}
