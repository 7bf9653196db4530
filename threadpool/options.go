package threadpool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gaohao-creator/turbocore/task"
)

const (
	STATE_OPENED = int32(iota)
	STATE_CLOSED
)

// DefaultMaxWorkers caps the general call-to-thread pool.
const DefaultMaxWorkers = 200

type Options struct {
	// Idle time after which a worker is evicted by MaintainPool. Zero evicts
	// every idle worker.
	ExpiryDuration time.Duration
	// Receives every callable failure except the shutdown signal.
	ErrorHandler func(error)
	// Wraps each callable before it runs, e.g. for profiling.
	Middleware func(task.Func) task.Func
	// Parent of the context handed to callables.
	Context context.Context
	Logger  *zap.Logger
}

type Option func(opts *Options)

func WithExpiryDuration(expiryDuration time.Duration) Option {
	return func(opts *Options) {
		opts.ExpiryDuration = expiryDuration
	}
}

func WithErrorHandler(errorHandler func(error)) Option {
	return func(opts *Options) {
		opts.ErrorHandler = errorHandler
	}
}

func WithMiddleware(middleware func(task.Func) task.Func) Option {
	return func(opts *Options) {
		opts.Middleware = middleware
	}
}

func WithContext(ctx context.Context) Option {
	return func(opts *Options) {
		opts.Context = ctx
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func NewOptions(options ...Option) *Options {
	opts := &Options{
		Context: context.Background(),
	}
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return opts
}
