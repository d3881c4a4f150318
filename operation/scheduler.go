package operation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/bundle/internal/clock"
)

const (
	// MinTimeSlice is the smallest per-update budget the scheduler accepts.
	MinTimeSlice = 30 * time.Millisecond

	// DefaultTimeSlice is the per-update budget when none is configured.
	DefaultTimeSlice = 50 * time.Millisecond
)

// Scheduler polls operations within a per-update time budget.
//
// Start, Len, Busy and CancelAll are safe for concurrent use. Concurrent
// Update calls run one after another.
type Scheduler struct {
	timeSlice time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	updating sync.Mutex

	mu      sync.Mutex
	pending []*Handle
	live    []*Handle

	current atomic.Pointer[Tick]
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeSlice sets the per-update budget. Values below MinTimeSlice are
// raised to it.
func WithTimeSlice(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeSlice = d
	}
}

// WithClock sets the clock used to measure budgets.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger for scheduler events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		timeSlice: DefaultTimeSlice,
		clock:     clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.timeSlice < MinTimeSlice {
		s.logger.Warn("time slice below minimum, raising",
			"requested", s.timeSlice,
			"min", MinTimeSlice)
		s.timeSlice = MinTimeSlice
	}
	return s
}

// TimeSlice returns the effective per-update budget.
func (s *Scheduler) TimeSlice() time.Duration { return s.timeSlice }

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Start queues op under name. It is admitted at the next Update.
func (s *Scheduler) Start(name string, op Operation) *Handle {
	h := newHandle(name, op)
	s.mu.Lock()
	s.pending = append(s.pending, h)
	s.mu.Unlock()
	s.logger.Debug("operation started", "operation", name, "id", h.id)
	return h
}

// Len returns the number of operations not yet finished.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.live)
}

// Busy reports whether the running update has spent its budget. It is false
// outside Update.
func (s *Scheduler) Busy() bool {
	t := s.current.Load()
	return t != nil && t.Expired()
}

// CancelAll cancels every unfinished operation.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.pending {
		h.Cancel()
	}
	for _, h := range s.live {
		h.Cancel()
	}
}

// Update runs one scheduler tick.
//
// Newly started operations are admitted, then live operations are polled in
// registration order until the budget is spent. Operations skipped by the
// previous update are polled first so none starves. Finished operations are
// removed and their OnComplete callbacks run. Cancelled operations finish
// even when the budget is spent.
func (s *Scheduler) Update() {
	s.updating.Lock()
	defer s.updating.Unlock()

	tick := newTick(s.clock, s.timeSlice)
	s.current.Store(tick)
	defer s.current.Store(nil)

	s.mu.Lock()
	s.live = append(s.live, s.pending...)
	s.pending = nil
	live := make([]*Handle, len(s.live))
	copy(live, s.live)
	s.mu.Unlock()

	order := make([]*Handle, 0, len(live))
	for _, h := range live {
		if h.starved {
			order = append(order, h)
		}
	}
	for _, h := range live {
		if !h.starved {
			order = append(order, h)
		}
	}

	for _, h := range order {
		if tick.Expired() && !h.cancelled.Load() {
			h.starved = true
			continue
		}
		h.starved = false
		s.poll(h, tick)
	}

	s.mu.Lock()
	kept := s.live[:0]
	for _, h := range s.live {
		if !h.Status().Terminal() {
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(s.live); i++ {
		s.live[i] = nil
	}
	s.live = kept
	s.mu.Unlock()
}

func (s *Scheduler) poll(h *Handle, tick *Tick) {
	if h.cancelled.Load() {
		if ab, ok := h.op.(Aborter); ok && !h.aborted {
			h.aborted = true
			if err := s.safely(func() { ab.Abort() }); err != nil {
				s.logger.Error("operation abort panicked", "operation", h.name, "id", h.id, "error", err)
			}
		}
		s.complete(h, ErrCancelled)
		return
	}

	h.setRunning()
	var (
		done bool
		err  error
	)
	if perr := s.safely(func() { done, err = h.op.Poll(tick) }); perr != nil {
		done, err = true, perr
	}
	if p, ok := h.op.(Progresser); ok {
		h.observeProgress(p.Progress())
	}
	if err != nil || done {
		s.complete(h, err)
	}
}

func (s *Scheduler) complete(h *Handle, err error) {
	cbs := h.finish(err)
	if err != nil {
		s.logger.Debug("operation failed", "operation", h.name, "id", h.id, "error", err)
	} else {
		s.logger.Debug("operation succeeded", "operation", h.name, "id", h.id)
	}
	for _, fn := range cbs {
		if perr := s.safely(func() { fn(h) }); perr != nil {
			s.logger.Error("completion callback panicked", "operation", h.name, "id", h.id, "error", perr)
		}
	}
}

func (s *Scheduler) safely(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	fn()
	return nil
}

// Drive calls Update every interval until h finishes or ctx is done, and
// returns h's terminal error. It suits hosts without their own frame loop.
func (s *Scheduler) Drive(ctx context.Context, h *Handle, interval time.Duration) error {
	if interval <= 0 {
		interval = s.timeSlice
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Update()
	for {
		select {
		case <-h.Done():
			return h.Err()
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Update()
		}
	}
}
