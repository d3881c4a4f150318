package manifest

import "log/slog"

// Option configures how a manifest is indexed.
type Option func(*options)

type options struct {
	locationToLower bool
	logger          *slog.Logger
}

// WithLocationToLower makes location lookups case-insensitive by lower-casing
// both the indexed asset paths and queried locations.
//
// Addresses are caller-defined and case-sensitive, so the option is ignored
// (and an error is logged) when the manifest has addressable mode enabled.
func WithLocationToLower(enabled bool) Option {
	return func(o *options) {
		o.locationToLower = enabled
	}
}

// WithLogger sets the logger used for load diagnostics and resolution misses.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}
