package operation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/internal/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// busyOp consumes cost on the fake clock every poll and finishes after n polls.
type busyOp struct {
	clk   *clock.FakeClock
	cost  time.Duration
	n     int
	polls int
}

func (o *busyOp) Poll(*Tick) (bool, error) {
	o.polls++
	o.clk.Advance(o.cost)
	return o.n > 0 && o.polls >= o.n, nil
}

func (o *busyOp) Progress() float64 {
	if o.n <= 0 {
		return 0
	}
	return float64(o.polls) / float64(o.n)
}

type abortOp struct {
	aborts int
}

func (o *abortOp) Poll(*Tick) (bool, error) { return false, nil }
func (o *abortOp) Abort()                   { o.aborts++ }

func TestNew_TimeSliceFloor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultTimeSlice, New().TimeSlice())
	assert.Equal(t, MinTimeSlice, New(WithTimeSlice(time.Millisecond)).TimeSlice())
	assert.Equal(t, time.Second, New(WithTimeSlice(time.Second)).TimeSlice())
}

func TestScheduler_SuccessAndProgress(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	s := New(WithClock(clk))
	op := &busyOp{clk: clk, n: 4}
	h := s.Start("count", op)

	assert.Equal(t, StatusPending, h.Status())
	assert.Equal(t, 1, s.Len())

	var last float64
	for range 3 {
		s.Update()
		assert.Equal(t, StatusRunning, h.Status())
		assert.GreaterOrEqual(t, h.Progress(), last)
		last = h.Progress()
	}
	assert.InDelta(t, 0.75, h.Progress(), 1e-9)

	s.Update()
	assert.Equal(t, StatusSucceeded, h.Status())
	assert.NoError(t, h.Err())
	assert.InDelta(t, 1.0, h.Progress(), 1e-9)
	assert.Equal(t, 0, s.Len())

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestScheduler_BudgetAndLiveness(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	s := New(WithClock(clk), WithTimeSlice(30*time.Millisecond))
	a := &busyOp{clk: clk, cost: 20 * time.Millisecond}
	b := &busyOp{clk: clk, cost: 20 * time.Millisecond}
	c := &busyOp{clk: clk, cost: 20 * time.Millisecond}
	s.Start("a", a)
	s.Start("b", b)
	s.Start("c", c)

	// a and b exhaust the 30ms budget; c is skipped.
	s.Update()
	assert.Equal(t, []int{1, 1, 0}, []int{a.polls, b.polls, c.polls})

	// c runs first because it was skipped, then a; b is skipped.
	s.Update()
	assert.Equal(t, []int{2, 1, 1}, []int{a.polls, b.polls, c.polls})

	// b was skipped, so it leads; a fits in behind it and c waits again.
	s.Update()
	assert.Equal(t, []int{3, 2, 1}, []int{a.polls, b.polls, c.polls})

	for range 30 {
		s.Update()
	}
	assert.Greater(t, a.polls, 10)
	assert.Greater(t, b.polls, 10)
	assert.Greater(t, c.polls, 10)
}

func TestScheduler_Failure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := New(WithClock(clock.Fake(epoch)))
	h := s.Start("fail", Func(func(*Tick) (bool, error) { return false, boom }))
	s.Update()
	assert.Equal(t, StatusFailed, h.Status())
	assert.ErrorIs(t, h.Err(), boom)
}

func TestScheduler_PanicIsolated(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	s := New(WithClock(clk))
	bad := s.Start("panic", Func(func(*Tick) (bool, error) { panic("kaboom") }))
	good := s.Start("ok", Func(func(*Tick) (bool, error) { return true, nil }))

	s.Update()
	assert.ErrorIs(t, bad.Err(), ErrPanic)
	assert.Equal(t, StatusSucceeded, good.Status())
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()

	s := New(WithClock(clock.Fake(epoch)))
	op := &abortOp{}
	h := s.Start("abort", op)
	s.Update()
	assert.Equal(t, StatusRunning, h.Status())

	h.Cancel()
	s.Update()
	assert.Equal(t, StatusFailed, h.Status())
	assert.ErrorIs(t, h.Err(), ErrCancelled)
	assert.Equal(t, 1, op.aborts)

	h.Cancel()
	s.Update()
	assert.Equal(t, 1, op.aborts)
}

func TestScheduler_CancelAll(t *testing.T) {
	t.Parallel()

	s := New(WithClock(clock.Fake(epoch)))
	h1 := s.Start("one", &abortOp{})
	s.Update()
	h2 := s.Start("two", &abortOp{})

	s.CancelAll()
	s.Update()
	assert.ErrorIs(t, h1.Err(), ErrCancelled)
	assert.ErrorIs(t, h2.Err(), ErrCancelled)
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_CancelIgnoresBudget(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	s := New(WithClock(clk), WithTimeSlice(30*time.Millisecond))
	hot := s.Start("hot", &busyOp{clk: clk, cost: 40 * time.Millisecond})
	cold := s.Start("cold", &abortOp{})

	// hot spends the whole budget, so cold only finishes because it is cancelled.
	cold.Cancel()
	s.Update()
	assert.Equal(t, StatusRunning, hot.Status())
	assert.ErrorIs(t, cold.Err(), ErrCancelled)
}

func TestHandle_OnCompleteExactlyOnce(t *testing.T) {
	t.Parallel()

	s := New(WithClock(clock.Fake(epoch)))
	h := s.Start("noop", Func(func(*Tick) (bool, error) { return true, nil }))

	var before, after int
	h.OnComplete(func(got *Handle) {
		assert.Equal(t, StatusSucceeded, got.Status())
		before++
	})
	s.Update()
	s.Update()
	h.OnComplete(func(*Handle) { after++ })

	assert.Equal(t, 1, before)
	assert.Equal(t, 1, after)
}

func TestHandle_StartFromCallback(t *testing.T) {
	t.Parallel()

	s := New(WithClock(clock.Fake(epoch)))
	first := s.Start("first", Func(func(*Tick) (bool, error) { return true, nil }))
	var second *Handle
	first.OnComplete(func(*Handle) {
		second = s.Start("second", Func(func(*Tick) (bool, error) { return true, nil }))
	})

	s.Update()
	require.NotNil(t, second)
	assert.Equal(t, StatusPending, second.Status())
	s.Update()
	assert.Equal(t, StatusSucceeded, second.Status())
}

func TestHandle_IDsUnique(t *testing.T) {
	t.Parallel()

	s := New()
	a := s.Start("x", &abortOp{})
	b := s.Start("x", &abortOp{})
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestDelay(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	s := New(WithClock(clk))
	h := s.Start("delay", Delay(clk, 100*time.Millisecond))

	s.Update()
	assert.Equal(t, StatusRunning, h.Status())

	clk.Advance(60 * time.Millisecond)
	s.Update()
	assert.InDelta(t, 0.6, h.Progress(), 1e-9)

	clk.Advance(40 * time.Millisecond)
	s.Update()
	assert.Equal(t, StatusSucceeded, h.Status())
}

func TestScheduler_Busy(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	s := New(WithClock(clk), WithTimeSlice(30*time.Millisecond))
	assert.False(t, s.Busy())

	var seen []bool
	s.Start("probe", Func(func(*Tick) (bool, error) {
		seen = append(seen, s.Busy())
		clk.Advance(time.Second)
		seen = append(seen, s.Busy())
		return true, nil
	}))
	s.Update()
	assert.Equal(t, []bool{false, true}, seen)
	assert.False(t, s.Busy())
}

func TestScheduler_Drive(t *testing.T) {
	t.Parallel()

	s := New()
	polls := 0
	h := s.Start("three", Func(func(*Tick) (bool, error) {
		polls++
		return polls >= 3, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drive(ctx, h, time.Millisecond))
	assert.Equal(t, 3, polls)
	require.NoError(t, h.Wait(ctx))
}

func TestHandle_WaitContext(t *testing.T) {
	t.Parallel()

	s := New()
	h := s.Start("never", &abortOp{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.Canceled)
}
