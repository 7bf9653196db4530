package turbocore

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gaohao-creator/turbocore/storage"
)

const (
	STATE_NEW = int32(iota)
	STATE_MODEL
	STATE_VIEW
	STATE_VIEW_DOWN
	STATE_MODEL_DOWN
)

type Options struct {
	// Parent of the process contexts.
	Context context.Context
	Logger  *zap.Logger
	// Clock for schedulers, timestamps and the sleep detector. Tests pass a
	// mock.
	Clock clock.Clock
	// Receives every contained failure, after it is logged.
	ErrorHandler func(error)
	// Storage backend. When nil InitModel opens Config.Database.Path and
	// ShutdownModel closes it.
	Storage *storage.DB
	// Where the controller collectors are registered. Nil skips metrics.
	Registerer prometheus.Registerer
}

type Option func(opts *Options)

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

func WithClock(clk clock.Clock) Option {
	return func(opts *Options) {
		opts.Clock = clk
	}
}

func WithErrorHandler(errorHandler func(error)) Option {
	return func(opts *Options) {
		opts.ErrorHandler = errorHandler
	}
}

func WithStorage(db *storage.DB) Option {
	return func(opts *Options) {
		opts.Storage = db
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(opts *Options) {
		opts.Registerer = reg
	}
}

func NewOptions(options ...Option) *Options {
	opts := &Options{
		Context: context.Background(),
	}
	for _, option := range options {
		option(opts)
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return opts
}
