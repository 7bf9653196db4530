// Package storage is the backend behind the controller's Read, Write and
// WriteSynchronous calls. Actions are named functions run one at a time, in
// submission order, each in its own sqlite transaction.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	pctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/errors"
	"github.com/gaohao-creator/turbocore/task"
)

// Action runs inside a transaction. Read actions should not write.
type Action func(ctx context.Context, tx *sql.Tx, args ...any) (any, error)

const queueSize = 1024

type result struct {
	value any
	err   error
}

type job struct {
	ctx    context.Context
	action string
	args   []any
	write  bool
	reply  chan result // nil for async writes
}

type Options struct {
	Logger       *zap.Logger
	Process      *pctx.Process
	ErrorHandler func(error)
}

type Option func(opts *Options)

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func WithProcess(proc *pctx.Process) Option {
	return func(opts *Options) {
		opts.Process = proc
	}
}

func WithErrorHandler(errorHandler func(error)) Option {
	return func(opts *Options) {
		opts.ErrorHandler = errorHandler
	}
}

type DB struct {
	path    string
	db      *sql.DB
	options *Options
	logger  *zap.Logger

	actionsLock sync.RWMutex
	reads       map[string]Action
	writes      map[string]Action

	sendLock sync.RWMutex // guards jobs against close
	jobs     chan *job
	closed   atomic.Bool
	done     chan struct{}
}

// Open opens (creating if needed) the sqlite database at path and starts the
// goroutine that serves actions. ":memory:" is fine.
func Open(path string, options ...Option) (*DB, error) {
	opts := &Options{}
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Process == nil {
		opts.Process = pctx.NewProcess(context.Background())
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_timeout=5000"
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one connection: actions are serialised anyway, and :memory: lives on it
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	d := &DB{
		path:    path,
		db:      sqlDB,
		options: opts,
		logger:  opts.Logger.Named("storage"),
		reads:   make(map[string]Action),
		writes:  make(map[string]Action),
		jobs:    make(chan *job, queueSize),
		done:    make(chan struct{}),
	}
	if err := d.init(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	registerBuiltins(d)
	go d.loop()
	return d, nil
}

func (d *DB) init() error {
	for _, stmt := range []string{
		"PRAGMA foreign_keys = ON",
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	} {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("init %s: %w", d.path, err)
		}
	}
	return nil
}

func (d *DB) Path() string {
	return d.path
}

// RegisterRead adds (or replaces) a read action.
func (d *DB) RegisterRead(name string, a Action) {
	d.actionsLock.Lock()
	d.reads[name] = a
	d.actionsLock.Unlock()
}

// RegisterWrite adds (or replaces) a write action.
func (d *DB) RegisterWrite(name string, a Action) {
	d.actionsLock.Lock()
	d.writes[name] = a
	d.actionsLock.Unlock()
}

// Read runs a read action and waits for its result.
func (d *DB) Read(ctx context.Context, action string, args ...any) (any, error) {
	return d.call(ctx, &job{ctx: ctx, action: action, args: args, reply: make(chan result, 1)})
}

// Write queues a write action and returns without waiting. Its failure, if
// any, goes to the error handler.
func (d *DB) Write(ctx context.Context, action string, args ...any) error {
	return d.send(ctx, &job{ctx: context.WithoutCancel(ctx), action: action, args: args, write: true})
}

// WriteSynchronous runs a write action and waits for its result.
func (d *DB) WriteSynchronous(ctx context.Context, action string, args ...any) (any, error) {
	return d.call(ctx, &job{ctx: ctx, action: action, args: args, write: true, reply: make(chan result, 1)})
}

// Maintain runs idle-time database maintenance.
func (d *DB) Maintain(ctx context.Context) error {
	_, err := d.WriteSynchronous(ctx, ActionMaintain)
	return err
}

func (d *DB) call(ctx context.Context, j *job) (any, error) {
	if err := d.send(ctx, j); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-j.reply:
		return r.value, r.err
	}
}

func (d *DB) send(ctx context.Context, j *job) error {
	d.sendLock.RLock()
	defer d.sendLock.RUnlock()
	if d.closed.Load() {
		return errors.ErrorDatabaseClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.jobs <- j:
		return nil
	}
}

func (d *DB) loop() {
	defer close(d.done)
	for j := range d.jobs {
		value, err := d.run(j)
		if j.reply != nil {
			j.reply <- result{value: value, err: err}
			continue
		}
		if err != nil {
			d.logger.Error("async write failed", zap.String("action", j.action), zap.Error(err))
			if eh := d.options.ErrorHandler; eh != nil {
				eh(err)
			}
		}
	}
}

func (d *DB) run(j *job) (value any, err error) {
	d.actionsLock.RLock()
	var a Action
	if j.write {
		a = d.writes[j.action]
	} else {
		a = d.reads[j.action]
	}
	d.actionsLock.RUnlock()
	if a == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrorUnknownAction, j.action)
	}
	if j.ctx.Err() != nil {
		return nil, j.ctx.Err()
	}

	started := time.Now()
	if d.options.Process.Mode(pctx.ModeDBReport) {
		defer func() {
			d.logger.Info("db action", zap.String("action", j.action), zap.Bool("write", j.write),
				zap.Duration("took", time.Since(started)), zap.Error(err))
		}()
	}

	err = retry(j.ctx, d.logger, j.action, func() error {
		tx, err := d.db.BeginTx(j.ctx, nil)
		if err != nil {
			return err
		}
		err = task.Run(j.ctx, func(ctx context.Context) error {
			var aerr error
			value, aerr = a(ctx, tx, j.args...)
			return aerr
		})
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", j.action, err)
	}
	return value, nil
}

// Close stops accepting actions, finishes the queued ones and closes the
// database.
func (d *DB) Close() error {
	d.sendLock.Lock()
	if d.closed.Swap(true) {
		d.sendLock.Unlock()
		return nil
	}
	close(d.jobs)
	d.sendLock.Unlock()
	<-d.done
	return d.db.Close()
}
