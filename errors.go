package bundle

import (
	"errors"

	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/manifest"
	"github.com/meigma/bundle/operation"
)

var (
	// ErrPackageExists is returned when creating a package whose name is taken.
	ErrPackageExists = errors.New("bundle: package already exists")

	// ErrPackageNotFound is returned when no package has the given name.
	ErrPackageNotFound = errors.New("bundle: package not found")

	// ErrManifestNotLoaded is returned by operations that need an active manifest.
	ErrManifestNotLoaded = errors.New("bundle: manifest not loaded")

	// ErrPackageMismatch is returned when a downloaded manifest names a
	// different package or version than requested.
	ErrPackageMismatch = errors.New("bundle: manifest does not match package")

	// ErrEmptyVersion is returned when the remote version descriptor is blank.
	ErrEmptyVersion = errors.New("bundle: empty version")

	// ErrNoHostServer is returned by network operations on a package without a host URL.
	ErrNoHostServer = errors.New("bundle: no host server configured")

	// ErrStateDisabled is returned by LoadCachedManifest when no state file is configured.
	ErrStateDisabled = errors.New("bundle: state database not configured")

	// ErrClosed is returned after System.Close.
	ErrClosed = errors.New("bundle: system closed")
)

// Errors re-exported from subpackages.
var (
	// ErrCorrupt matches downloads that failed verification.
	ErrCorrupt = download.ErrCorrupt

	// ErrCancelled is the terminal error of a cancelled operation.
	ErrCancelled = operation.ErrCancelled

	// ErrAssetNotFound is returned when an asset path is not in the manifest.
	ErrAssetNotFound = manifest.ErrAssetNotFound
)

// IsIntegrity reports whether err is a manifest integrity failure.
func IsIntegrity(err error) bool {
	return manifest.IsIntegrity(err)
}
