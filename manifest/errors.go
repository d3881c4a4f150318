package manifest

import (
	"errors"
	"fmt"
)

// Integrity error kinds. They are returned wrapped in an *IntegrityError.
var (
	// ErrVersionMismatch is returned when the payload's file version differs
	// from FileVersion.
	ErrVersionMismatch = errors.New("manifest: file version mismatch")

	// ErrDuplicateKey is returned when two assets share a path (or address in
	// addressable mode), or two bundles share a name.
	ErrDuplicateKey = errors.New("manifest: duplicate key")

	// ErrInvalidIndex is returned when an asset references a bundle index
	// outside the bundle table.
	ErrInvalidIndex = errors.New("manifest: bundle index out of range")

	// ErrInvalidNameStyle is returned for an unknown output name style.
	ErrInvalidNameStyle = errors.New("manifest: invalid name style")

	// ErrInvalidHashAlgorithm is returned for an unsupported hash algorithm.
	ErrInvalidHashAlgorithm = errors.New("manifest: invalid hash algorithm")

	// ErrInvalidFileName is returned when a bundle's derived file name is not
	// a plain file name (for example, a hash containing "/").
	ErrInvalidFileName = errors.New("manifest: invalid bundle file name")

	// ErrMalformed is returned when the payload cannot be decoded at all.
	ErrMalformed = errors.New("manifest: malformed payload")
)

// Resolution misses. These are soft failures; callers decide whether absence
// is an error.
var (
	// ErrAssetNotFound is returned when an asset path is not in the manifest.
	ErrAssetNotFound = errors.New("manifest: asset not found")
)

// IntegrityError reports a manifest that must not be used. Integrity errors are
// fatal to the load attempt and are never retried automatically.
//
// Use errors.Is with one of the kind sentinels (ErrVersionMismatch, ...) to
// branch on the cause, or errors.As to detect the integrity category.
type IntegrityError struct {
	Kind   error
	Detail string
}

func (e *IntegrityError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

// Unwrap returns the kind sentinel.
func (e *IntegrityError) Unwrap() error {
	return e.Kind
}

func integrityf(kind error, format string, args ...any) error {
	return &IntegrityError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsIntegrity reports whether err is (or wraps) an *IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
