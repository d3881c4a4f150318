package operation

import (
	"time"

	"github.com/meigma/bundle/internal/clock"
)

// Operation is a unit of cooperative work.
//
// Poll advances the operation and reports whether it reached a terminal
// state. A non-nil error is terminal and marks the operation failed. Poll is
// only ever called from the goroutine running [Scheduler.Update] and should
// return quickly; blocking work belongs on a goroutine the operation starts
// itself.
type Operation interface {
	Poll(t *Tick) (done bool, err error)
}

// Progresser is implemented by operations that can report completion in [0, 1].
type Progresser interface {
	Progress() float64
}

// Aborter is implemented by operations that hold resources which must be
// released on cancellation. Abort is called at most once.
type Aborter interface {
	Abort()
}

// Func adapts a function to the Operation interface.
type Func func(t *Tick) (bool, error)

// Poll calls f(t).
func (f Func) Poll(t *Tick) (bool, error) { return f(t) }

// Tick is the time budget of a single scheduler update.
type Tick struct {
	clock    clock.Clock
	start    time.Time
	deadline time.Time
}

func newTick(c clock.Clock, slice time.Duration) *Tick {
	now := c.Now()
	return &Tick{clock: c, start: now, deadline: now.Add(slice)}
}

// Now returns the scheduler clock's current time.
func (t *Tick) Now() time.Time { return t.clock.Now() }

// Deadline returns the instant the update's budget runs out.
func (t *Tick) Deadline() time.Time { return t.deadline }

// Remaining returns the budget left, never negative.
func (t *Tick) Remaining() time.Duration {
	if d := t.deadline.Sub(t.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the update's budget is spent. Time-sliced
// operations check it between units of work and yield when it returns true.
func (t *Tick) Expired() bool {
	return !t.clock.Now().Before(t.deadline)
}

// Delay returns an operation that succeeds once d has elapsed on c, measured
// from its first poll.
func Delay(c clock.Clock, d time.Duration) Operation {
	return &delay{clock: c, wait: d}
}

type delay struct {
	clock   clock.Clock
	wait    time.Duration
	start   time.Time
	started bool
	elapsed time.Duration
}

func (d *delay) Poll(*Tick) (bool, error) {
	now := d.clock.Now()
	if !d.started {
		d.start = now
		d.started = true
	}
	d.elapsed = now.Sub(d.start)
	return d.elapsed >= d.wait, nil
}

func (d *delay) Progress() float64 {
	if d.wait <= 0 {
		return 1
	}
	return float64(d.elapsed) / float64(d.wait)
}
