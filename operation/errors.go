package operation

import "errors"

var (
	// ErrCancelled is the terminal error of a cancelled operation.
	ErrCancelled = errors.New("operation: cancelled")

	// ErrPanic wraps a value recovered from a panicking Poll or Abort.
	ErrPanic = errors.New("operation: panic")
)
