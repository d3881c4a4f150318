package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meigma/bundle/operation"
)

// DefaultMaxRequestBytes caps the size of a RequestOperation response.
const DefaultMaxRequestBytes = 32 << 20

// FileOperation downloads a single bundle. If the cache already holds a
// verified copy it succeeds on its first poll without a network request.
type FileOperation struct {
	m   *Manager
	job Job

	started bool
	ch      <-chan Result
	res     Result
	done    bool
}

// NewFileOperation returns an operation downloading job's bundle.
func (m *Manager) NewFileOperation(job Job) *FileOperation {
	return &FileOperation{m: m, job: job}
}

// Poll implements operation.Operation.
func (op *FileOperation) Poll(*operation.Tick) (bool, error) {
	if !op.started {
		op.started = true
		if err := op.m.store.Check(op.job.Bundle, op.job.Algorithm); err == nil {
			op.res = Result{Job: op.job, Path: op.m.store.Path(op.job.Bundle)}
			op.done = true
			return true, nil
		}
		op.ch = op.m.Fetch(op.job)
	}
	select {
	case r := <-op.ch:
		op.res = r
		op.done = true
		return true, r.Err
	default:
		return false, nil
	}
}

// Progress implements operation.Progresser.
func (op *FileOperation) Progress() float64 {
	if op.done {
		return 1
	}
	if op.job.Bundle.Size <= 0 {
		return 0
	}
	return float64(op.m.Received(op.job.Bundle.FileName())) / float64(op.job.Bundle.Size)
}

// Result returns the outcome once the operation has finished.
func (op *FileOperation) Result() Result { return op.res }

type pendingFetch struct {
	job Job
	ch  <-chan Result
}

// Batch downloads a set of bundles and succeeds when all of them are cached.
// Failures do not stop the remaining transfers; the terminal error joins
// every per-file error.
type Batch struct {
	m    *Manager
	jobs []Job

	next    int
	pending []pendingFetch
	failed  []Result

	completed  int
	doneBytes  int64
	totalBytes int64
}

// NewBatch returns an operation downloading jobs. Jobs for the same file name
// are collapsed.
func (m *Manager) NewBatch(jobs []Job) *Batch {
	seen := make(map[string]struct{}, len(jobs))
	unique := make([]Job, 0, len(jobs))
	var total int64
	for _, j := range jobs {
		name := j.Bundle.FileName()
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, j)
		total += j.Bundle.Size
	}
	return &Batch{m: m, jobs: unique, totalBytes: total}
}

// Poll implements operation.Operation. Cached bundles are checked a few per
// tick; the rest are handed to the manager as soon as they are found missing.
func (op *Batch) Poll(t *operation.Tick) (bool, error) {
	for op.next < len(op.jobs) {
		job := op.jobs[op.next]
		op.next++
		if err := op.m.store.Check(job.Bundle, job.Algorithm); err == nil {
			op.completed++
			op.doneBytes += job.Bundle.Size
		} else {
			op.pending = append(op.pending, pendingFetch{job: job, ch: op.m.Fetch(job)})
		}
		if t.Expired() {
			return false, nil
		}
	}

	kept := op.pending[:0]
	for _, p := range op.pending {
		select {
		case r := <-p.ch:
			if r.Err != nil {
				op.failed = append(op.failed, r)
			} else {
				op.completed++
				op.doneBytes += p.job.Bundle.Size
			}
		default:
			kept = append(kept, p)
		}
	}
	op.pending = kept

	if len(op.pending) > 0 {
		return false, nil
	}
	return true, op.Err()
}

// Err joins the errors of every failed file, or returns nil.
func (op *Batch) Err() error {
	errs := make([]error, 0, len(op.failed))
	for _, r := range op.failed {
		errs = append(errs, fmt.Errorf("%s: %w", r.Job.Bundle.Name, r.Err))
	}
	return errors.Join(errs...)
}

// Progress implements operation.Progresser by bytes, counting in-flight
// transfers.
func (op *Batch) Progress() float64 {
	if op.totalBytes <= 0 {
		if len(op.jobs) == 0 {
			return 1
		}
		return float64(op.completed+len(op.failed)) / float64(len(op.jobs))
	}
	done := op.doneBytes
	for _, p := range op.pending {
		done += op.m.Received(p.job.Bundle.FileName())
	}
	return float64(done) / float64(op.totalBytes)
}

// Counts returns the number of completed, failed and total files.
func (op *Batch) Counts() (completed, failed, total int) {
	return op.completed, len(op.failed), len(op.jobs)
}

// Bytes returns the completed and total byte counts.
func (op *Batch) Bytes() (done, total int64) {
	return op.doneBytes, op.totalBytes
}

// Failed returns the results of files that could not be downloaded.
func (op *Batch) Failed() []Result { return op.failed }

// RequestOperation fetches a small payload such as a version descriptor or a
// manifest into memory. It retries like a bundle download, alternating the
// main and fallback URLs.
type RequestOperation struct {
	m        *Manager
	url      string
	fallback string
	timeout  time.Duration
	maxBytes int64

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	body    []byte
	err     error
}

// NewRequest returns an operation fetching url. A positive timeout bounds the
// whole request, retries included.
func (m *Manager) NewRequest(url, fallbackURL string, timeout time.Duration) *RequestOperation {
	return &RequestOperation{
		m:        m,
		url:      url,
		fallback: fallbackURL,
		timeout:  timeout,
		maxBytes: DefaultMaxRequestBytes,
		done:     make(chan struct{}),
	}
}

// Poll implements operation.Operation.
func (op *RequestOperation) Poll(*operation.Tick) (bool, error) {
	if !op.started {
		op.started = true
		var ctx context.Context
		if op.timeout > 0 {
			ctx, op.cancel = context.WithTimeout(op.m.ctx, op.timeout)
		} else {
			ctx, op.cancel = context.WithCancel(op.m.ctx)
		}
		go op.run(ctx)
	}
	select {
	case <-op.done:
		op.cancel()
		return true, op.err
	default:
		return false, nil
	}
}

// Abort implements operation.Aborter.
func (op *RequestOperation) Abort() {
	if op.cancel != nil {
		op.cancel()
	}
}

// Bytes returns the response body after success.
func (op *RequestOperation) Bytes() []byte { return op.body }

// Text returns the response body as a string after success.
func (op *RequestOperation) Text() string { return string(op.body) }

func (op *RequestOperation) run(ctx context.Context) {
	defer close(op.done)

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(op.m.newBackoff(), uint64(op.m.retries)), ctx) //nolint:gosec // retries validated >= 0
	op.body, op.err = backoff.RetryNotifyWithData(func() ([]byte, error) {
		url := op.url
		if attempt%2 == 1 && op.fallback != "" {
			url = op.fallback
		}
		attempt++
		body, err := op.get(ctx, url)
		if err != nil && !op.retryable(err) && (op.fallback == "" || url == op.fallback) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}, policy, func(err error, wait time.Duration) {
		op.m.logger.Warn("request failed, retrying", "url", op.url, "attempt", attempt, "wait", wait, "error", err)
	})
	if op.err != nil && op.m.ctx.Err() != nil {
		op.err = ErrClosed
	}
}

func (op *RequestOperation) get(ctx context.Context, url string) ([]byte, error) {
	resp, err := op.m.transport.Get(ctx, url, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, op.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > op.maxBytes {
		return nil, fmt.Errorf("%s: %w", url, ErrTooLarge)
	}
	return body, nil
}

func (op *RequestOperation) retryable(err error) bool {
	if errors.Is(err, ErrTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
