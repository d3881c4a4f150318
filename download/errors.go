package download

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCorrupt matches errors for downloads that failed verification.
	ErrCorrupt = errors.New("download: corrupt file")

	// ErrClosed is returned for work submitted to or interrupted by a closed Manager.
	ErrClosed = errors.New("download: manager closed")

	// ErrIdleTimeout is returned when no data arrives within the configured timeout.
	ErrIdleTimeout = errors.New("download: idle timeout")

	// ErrTooLarge is returned when a text request exceeds its size limit.
	ErrTooLarge = errors.New("download: response too large")
)

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: %s", e.URL, e.Status)
}

// Temporary reports whether the status is worth retrying: server errors,
// request timeouts and rate limiting.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// CorruptError reports a downloaded file that did not match its record.
// It matches ErrCorrupt with errors.Is and unwraps to the verification error.
type CorruptError struct {
	File string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("download %s: corrupt: %v", e.File, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCorrupt.
func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }
