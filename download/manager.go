package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/manifest"
)

const (
	// DefaultWorkers is the default number of simultaneous transfers.
	DefaultWorkers = 4

	// DefaultRetries is the default number of retries after a failed attempt.
	DefaultRetries = 3

	// DefaultMinResumeBytes is the smallest partial file worth resuming.
	DefaultMinResumeBytes = 1 << 20

	// DefaultTimeout cancels an attempt when no data arrives for this long.
	DefaultTimeout = 60 * time.Second
)

// DefaultClearFileStatusCodes are the statuses that delete a partial file and
// fail the download without retrying.
func DefaultClearFileStatusCodes() []int {
	return []int{http.StatusNotFound, http.StatusGone}
}

// Job describes one bundle download.
type Job struct {
	Bundle    manifest.BundleRecord
	Algorithm manifest.HashAlgorithm

	// URL is the primary location; FallbackURL, if set, is tried on
	// alternate attempts.
	URL         string
	FallbackURL string
}

// Result is the outcome of a Fetch.
type Result struct {
	Job  Job
	Path string
	Err  error

	// Shared is true when the transfer was shared with another caller.
	Shared bool
}

// Stats is a snapshot of Manager counters.
type Stats struct {
	InFlight  int64
	Queued    int64
	Completed int64
	Failed    int64
	Bytes     int64
}

// Manager downloads bundles into a cache.Store. It is safe for concurrent use.
type Manager struct {
	store      *cache.Store
	transport  *Transport
	workers    int
	sem        *semaphore.Weighted
	group      singleflight.Group
	retries    int
	newBackoff func() backoff.BackOff
	minResume  int64
	clearCodes map[int]struct{}
	timeout    time.Duration
	level      verify.Level
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	received sync.Map // file name -> *atomic.Int64

	inFlight, queued, completed, failed, bytes atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers bounds simultaneous transfers. Excess requests wait in FIFO order.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithRetries sets how many times a failed attempt is retried.
func WithRetries(n int) Option {
	return func(m *Manager) {
		m.retries = n
	}
}

// WithBackoff sets the factory for the delay policy between attempts.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(m *Manager) {
		m.newBackoff = fn
	}
}

// WithMinResumeBytes sets the partial-file size below which a download
// restarts from zero instead of resuming.
func WithMinResumeBytes(n int64) Option {
	return func(m *Manager) {
		m.minResume = n
	}
}

// WithClearFileStatusCodes replaces the statuses that delete a partial file
// and fail without retrying.
func WithClearFileStatusCodes(codes ...int) Option {
	return func(m *Manager) {
		m.clearCodes = make(map[int]struct{}, len(codes))
		for _, c := range codes {
			m.clearCodes[c] = struct{}{}
		}
	}
}

// WithTransport sets the HTTP transport.
func WithTransport(t *Transport) Option {
	return func(m *Manager) {
		m.transport = t
	}
}

// WithTimeout cancels an attempt when no data arrives for d. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithLogger sets the logger for download events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager writing into store.
func NewManager(store *cache.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("download: nil store")
	}
	m := &Manager{
		store:      store,
		workers:    DefaultWorkers,
		retries:    DefaultRetries,
		newBackoff: defaultBackoff,
		minResume:  DefaultMinResumeBytes,
		timeout:    DefaultTimeout,
	}
	WithClearFileStatusCodes(DefaultClearFileStatusCodes()...)(m)
	for _, opt := range opts {
		opt(m)
	}
	if m.workers <= 0 {
		return nil, fmt.Errorf("download: workers must be > 0, got %d", m.workers)
	}
	if m.retries < 0 {
		return nil, fmt.Errorf("download: retries must be >= 0, got %d", m.retries)
	}
	if m.transport == nil {
		m.transport = NewTransport()
	}
	if m.newBackoff == nil {
		m.newBackoff = defaultBackoff
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	m.level = max(store.Level(), verify.LevelSize)
	m.sem = semaphore.NewWeighted(int64(m.workers))
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Store returns the cache the manager writes into.
func (m *Manager) Store() *cache.Store { return m.store }

// Close stops accepting work and interrupts running transfers. Partial files
// are kept for a later resume.
func (m *Manager) Close() error {
	m.cancel()
	return nil
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		InFlight:  m.inFlight.Load(),
		Queued:    m.queued.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
		Bytes:     m.bytes.Load(),
	}
}

// Received returns the bytes on disk for an in-flight transfer of fileName,
// or 0 when none is running.
func (m *Manager) Received(fileName string) int64 {
	if v, ok := m.received.Load(fileName); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Fetch downloads job's bundle unless a transfer for the same file is already
// running, in which case the caller shares its result. The returned channel
// receives exactly one Result.
func (m *Manager) Fetch(job Job) <-chan Result {
	out := make(chan Result, 1)
	if m.ctx.Err() != nil {
		out <- Result{Job: job, Err: ErrClosed}
		return out
	}
	name := job.Bundle.FileName()
	ch := m.group.DoChan(name, func() (any, error) {
		return nil, m.run(job)
	})
	go func() {
		r := <-ch
		out <- Result{
			Job:    job,
			Path:   m.store.Path(job.Bundle),
			Err:    r.Err,
			Shared: r.Shared,
		}
	}()
	return out
}

func (m *Manager) run(job Job) error {
	b := job.Bundle
	name := b.FileName()

	m.queued.Add(1)
	err := m.sem.Acquire(m.ctx, 1)
	m.queued.Add(-1)
	if err != nil {
		return ErrClosed
	}
	defer m.sem.Release(1)
	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	if err := m.store.Check(b, job.Algorithm); err == nil {
		m.completed.Add(1)
		return nil
	}

	progress := new(atomic.Int64)
	m.received.Store(name, progress)
	defer m.received.Delete(name)

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(m.newBackoff(), uint64(m.retries)), m.ctx) //nolint:gosec // retries validated >= 0
	transferred, err := backoff.RetryNotifyWithData(func() (int64, error) {
		url := job.URL
		if attempt%2 == 1 && job.FallbackURL != "" {
			url = job.FallbackURL
		}
		attempt++
		n, err := m.attempt(job, url, progress)
		// A permanent failure on the main host still gets one try on the fallback.
		if err != nil && !m.retryable(err) && (job.FallbackURL == "" || url == job.FallbackURL) {
			return n, backoff.Permanent(err)
		}
		return n, err
	}, policy, func(err error, wait time.Duration) {
		m.logger.Warn("download attempt failed, retrying",
			"file", name,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	})
	if err != nil {
		if m.ctx.Err() != nil && !errors.Is(err, ErrCorrupt) {
			err = ErrClosed
		}
		m.failed.Add(1)
		m.logger.Error("download failed", "file", name, "attempts", attempt, "error", err)
		return err
	}

	m.completed.Add(1)
	m.logger.Info("bundle downloaded",
		"file", name,
		"size", humanize.IBytes(uint64(max(b.Size, 0))), //nolint:gosec // clamped to non-negative
		"transferred", transferred,
		"attempts", attempt)
	return nil
}

func (m *Manager) retryable(err error) bool {
	if errors.Is(err, ErrCorrupt) || errors.Is(err, ErrClosed) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		if _, clear := m.clearCodes[se.StatusCode]; clear {
			return false
		}
		return se.Temporary() || se.StatusCode == http.StatusRequestedRangeNotSatisfiable
	}
	return m.ctx.Err() == nil
}

// attempt performs one transfer into the temp file and commits it on success.
// It returns the number of bytes received over the network.
func (m *Manager) attempt(job Job, url string, progress *atomic.Int64) (int64, error) {
	b := job.Bundle
	tmp := m.store.TempPath(b)

	offset, err := m.resumeOffset(job, tmp)
	if err != nil {
		return 0, err
	}
	if offset == b.Size && b.Size > 0 {
		// A complete partial from an earlier run; commit it without a request.
		if err := m.verifyAndCommit(job, tmp); err == nil {
			return 0, nil
		}
		offset = 0
	}
	progress.Store(offset)

	ctx, cancel := context.WithCancelCause(m.ctx)
	defer cancel(nil)

	// The watchdog covers the wait for response headers as well as the body.
	onRead := func() {}
	if m.timeout > 0 {
		watchdog := time.AfterFunc(m.timeout, func() { cancel(ErrIdleTimeout) })
		defer watchdog.Stop()
		onRead = func() { watchdog.Reset(m.timeout) }
	}

	resp, err := m.transport.Get(ctx, url, offset)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrIdleTimeout) {
			return 0, fmt.Errorf("%s: %w", b.FileName(), ErrIdleTimeout)
		}
		var se *StatusError
		if errors.As(err, &se) {
			_, clear := m.clearCodes[se.StatusCode]
			if clear || se.StatusCode == http.StatusRequestedRangeNotSatisfiable {
				if rmErr := m.store.Remove(tmp); rmErr != nil {
					m.logger.Warn("remove partial file", "file", tmp, "error", rmErr)
				}
			}
		}
		return 0, err
	}
	defer resp.Body.Close()

	if offset > 0 && resp.Offset != offset {
		m.logger.Debug("range not honoured, restarting", "file", b.FileName(), "requested", offset, "got", resp.Offset)
		offset = 0
		progress.Store(0)
	}
	if resp.Total >= 0 && resp.Total != b.Size {
		m.logger.Debug("remote length differs from record", "file", b.FileName(), "remote", resp.Total, "want", b.Size)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tmp, flags, 0o600) //nolint:gosec // path is derived from the cache root
	if err != nil {
		return 0, err
	}

	onRead()
	body := &countingReader{r: resp.Body, progress: progress, total: &m.bytes, onRead: onRead}

	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrIdleTimeout) {
			return n, fmt.Errorf("%s: %w", b.FileName(), ErrIdleTimeout)
		}
		return n, copyErr
	}
	if closeErr != nil {
		return n, closeErr
	}
	return n, m.verifyAndCommit(job, tmp)
}

// resumeOffset decides where the next attempt starts. Partial files below the
// resume threshold or larger than the record are discarded.
func (m *Manager) resumeOffset(job Job, tmp string) (int64, error) {
	info, err := os.Stat(tmp)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	size := info.Size()
	switch {
	case size > job.Bundle.Size:
		m.logger.Debug("partial file larger than record, restarting", "file", tmp, "size", size)
		return 0, nil
	case size == job.Bundle.Size:
		return size, nil
	case size < m.minResume:
		return 0, nil
	default:
		m.logger.Debug("resuming download", "file", job.Bundle.FileName(), "offset", size)
		return size, nil
	}
}

func (m *Manager) verifyAndCommit(job Job, tmp string) error {
	if err := verify.File(tmp, job.Bundle, job.Algorithm, m.level); err != nil {
		if rmErr := m.store.Remove(tmp); rmErr != nil {
			m.logger.Warn("remove corrupt partial file", "file", tmp, "error", rmErr)
		}
		if verify.IsCorrupt(err) || errors.Is(err, verify.ErrInvalidHash) {
			return &CorruptError{File: job.Bundle.FileName(), Err: err}
		}
		return err
	}
	return m.store.Commit(job.Bundle, tmp)
}

type countingReader struct {
	r        io.Reader
	progress *atomic.Int64
	total    *atomic.Int64
	onRead   func()
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.progress.Add(int64(n))
		c.total.Add(int64(n))
		if c.onRead != nil {
			c.onRead()
		}
	}
	return n, err
}
