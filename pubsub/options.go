package pubsub

import (
	"time"

	"go.uber.org/zap"
)

// DefaultProfileThreshold is the shortest pubsub call worth a profile report.
const DefaultProfileThreshold = 5 * time.Millisecond

// Profiler wraps one callable invocation while profiling is on.
type Profiler interface {
	Profile(name string, min time.Duration, f func() error) error
}

type Options struct {
	Logger           *zap.Logger
	Profiler         Profiler
	ProfileThreshold time.Duration
	ErrorHandler     func(error)
}

type Option func(opts *Options)

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func WithProfiler(profiler Profiler) Option {
	return func(opts *Options) {
		opts.Profiler = profiler
	}
}

func WithProfileThreshold(d time.Duration) Option {
	return func(opts *Options) {
		opts.ProfileThreshold = d
	}
}

func WithErrorHandler(errorHandler func(error)) Option {
	return func(opts *Options) {
		opts.ErrorHandler = errorHandler
	}
}

func NewOptions(options ...Option) *Options {
	opts := &Options{
		ProfileThreshold: DefaultProfileThreshold,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}
