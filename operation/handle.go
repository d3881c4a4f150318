package operation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an operation.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Terminal reports whether s is succeeded or failed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Handle is the caller's view of a started operation. All methods are safe
// for concurrent use.
type Handle struct {
	id   string
	name string
	op   Operation

	cancelled atomic.Bool
	aborted   bool
	starved   bool
	done      chan struct{}

	mu        sync.Mutex
	status    Status
	err       error
	progress  float64
	callbacks []func(*Handle)
}

func newHandle(name string, op Operation) *Handle {
	return &Handle{
		id:   uuid.NewString(),
		name: name,
		op:   op,
		done: make(chan struct{}),
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Name returns the name given to Start.
func (h *Handle) Name() string { return h.name }

// Operation returns the underlying operation.
func (h *Handle) Operation() Operation { return h.op }

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the terminal error, or nil while running or after success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Progress returns completion in [0, 1]. It never decreases and is 1 after
// success.
func (h *Handle) Progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Cancel requests cancellation. The operation fails with ErrCancelled at its
// next poll. Cancelling a finished operation has no effect.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

// Done returns a channel closed when the operation reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the operation finishes or ctx is done. Something must keep
// calling Scheduler.Update meanwhile; see Scheduler.Drive.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete registers fn to run exactly once after the operation reaches a
// terminal state. If it already has, fn runs immediately on the calling
// goroutine; otherwise it runs on the goroutine calling Scheduler.Update.
func (h *Handle) OnComplete(fn func(*Handle)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	if !h.status.Terminal() {
		h.callbacks = append(h.callbacks, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn(h)
}

func (h *Handle) setRunning() {
	h.mu.Lock()
	if h.status == StatusPending {
		h.status = StatusRunning
	}
	h.mu.Unlock()
}

func (h *Handle) observeProgress(p float64) {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	h.mu.Lock()
	if p > h.progress && !h.status.Terminal() {
		h.progress = p
	}
	h.mu.Unlock()
}

// finish moves h to its terminal state and returns the callbacks to run.
func (h *Handle) finish(err error) []func(*Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return nil
	}
	if err != nil {
		h.status = StatusFailed
		h.err = err
	} else {
		h.status = StatusSucceeded
		h.progress = 1
	}
	close(h.done)
	cbs := h.callbacks
	h.callbacks = nil
	return cbs
}
