// Package threadpool runs submitted callables on an elastic set of persistent
// worker goroutines.
//
// A Pool reuses an idle worker when there is one, starts a new worker while
// below its capacity, and past the capacity queues the callable on a random
// existing worker instead of failing. Idle workers are torn down by
// MaintainPool, so the live goroutine count shrinks in quiet periods.
package threadpool

import (
	"context"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	ctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/errors"
	"github.com/gaohao-creator/turbocore/task"
)

type workerKey struct{}

type Pool struct {
	name string

	// overall state
	state    atomic.Int32  // open or closed
	lock     sync.Mutex    // guards the stack and the worker list
	done     chan struct{} // closed once released and every worker exited
	doneOnce sync.Once

	// worker container
	capacity     atomic.Int32 // max workers, 0 is unbounded
	readyWorkers Workers      // idle workers, most recently idled on top
	workers      []Worker     // every live worker
	running      atomic.Int32

	workerCtx *ctx.CtxCancel // handed to callables, marks them as pool workers
	options   *Options
	logger    *zap.Logger
}

// Submit runs f on a worker. Pass the caller's context so a callable that
// submits more work from inside this pool is always given a fresh worker.
func (p *Pool) Submit(parent context.Context, f task.Func) error {
	if p.Closed() {
		return errors.ErrorPoolClosed
	}
	if f == nil {
		return nil
	}
	p.lock.Lock()
	w := p.get(IsWorker(parent, p))
	p.lock.Unlock()
	w.Put(f)
	return nil
}

// get picks a worker. Must be called with p.lock held.
func (p *Pool) get(selfSubmit bool) Worker {
	// 1) reuse an idle worker
	if w, err := p.readyWorkers.Pop(); err == nil {
		w.SetReady(false)
		return w
	}

	// 2) grow while under the cap
	c := p.Cap()
	if c <= 0 || p.Running() < c || selfSubmit || len(p.workers) == 0 {
		w := NewWorker(p)
		p.workers = append(p.workers, w)
		p.running.Add(1)
		w.Run()
		return w
	}

	// 3) at the cap: queue behind a busy worker
	return p.workers[rand.IntN(len(p.workers))]
}

func (p *Pool) Handler() func(context.Context, task.Func) {
	return p.handle
}

func (p *Pool) Context() context.Context {
	return p.workerCtx.Ctx
}

func (p *Pool) handle(c context.Context, f task.Func) {
	if mw := p.options.Middleware; mw != nil {
		f = mw(f)
	}
	if err := task.Run(c, f); err != nil && !errors.IsStopped(c, err) {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	fields := []zap.Field{zap.String("pool", p.name), zap.Error(err)}
	var pe *task.PanicError
	if errors.As(err, &pe) {
		fields = append(fields, zap.ByteString("stack", pe.Stack))
	}
	p.logger.Error("call to thread failed", fields...)
	if eh := p.options.ErrorHandler; eh != nil {
		eh(err)
	}
}

// PutReady returns a worker to the idle stack.
func (p *Pool) PutReady(w Worker) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.Closed() {
		return errors.ErrorPoolClosed
	}
	if w.Ready() {
		return nil
	}
	w.Refresh()
	if err := p.readyWorkers.Push(w); err != nil {
		return err
	}
	w.SetReady(true)
	return nil
}

// PutCache forgets an exited worker and re-dispatches anything that was
// queued on it after it decided to leave.
func (p *Pool) PutCache(w Worker) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	for i, x := range p.workers {
		if x == w {
			last := len(p.workers) - 1
			p.workers[i] = p.workers[last]
			p.workers[last] = nil
			p.workers = p.workers[:last]
			break
		}
	}
	p.running.Add(-1)

	leftover := w.Drain()
	if p.Closed() {
		if len(leftover) > 0 {
			p.logger.Warn("dropping callables queued on an exiting worker", zap.String("pool", p.name), zap.Int("count", len(leftover)))
		}
		p.checkDone()
		return nil
	}
	for _, f := range leftover {
		p.get(false).Put(f)
	}
	return nil
}

// Recover is the last-resort handler for a panic outside a callable.
func (p *Pool) Recover(r any) {
	p.logger.Error("worker exits from panic", zap.String("pool", p.name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
	if eh := p.options.ErrorHandler; eh != nil {
		eh(&task.PanicError{Value: r, Stack: debug.Stack()})
	}
}

// MaintainPool evicts workers that have been idle longer than the expiry
// duration and returns how many went.
func (p *Pool) MaintainPool() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.readyWorkers.IsEmpty() {
		return 0
	}
	cleared, _ := p.readyWorkers.ClearExpired(time.Now().Add(-p.options.ExpiryDuration))
	if cleared > 0 {
		p.logger.Debug("evicted idle workers", zap.String("pool", p.name), zap.Int("count", cleared))
	}
	return cleared
}

// Release closes the pool and stops idle workers. Busy workers exit once
// their current callables finish.
func (p *Pool) Release() {
	p.Close()
	p.lock.Lock()
	defer p.lock.Unlock()
	_ = p.readyWorkers.Clear()
	p.checkDone()
}

// Wait blocks until a released pool has no workers left.
func (p *Pool) Wait() {
	<-p.done
}

// ReleaseWithTimeout releases the pool and waits up to t for the workers.
func (p *Pool) ReleaseWithTimeout(t time.Duration) error {
	p.Release()
	defer p.workerCtx.Cancel()
	timer := time.NewTimer(t)
	defer timer.Stop()
	select {
	case <-timer.C:
		return errors.ErrorPoolReleaseTimeout
	case <-p.done:
	}
	return nil
}

func (p *Pool) checkDone() {
	if p.Closed() && p.running.Load() == 0 {
		p.doneOnce.Do(func() {
			close(p.done)
		})
	}
}

/* ------------------------------------------------- */
/* monitoring */
/* ------------------------------------------------- */

type Stats struct {
	Name    string
	Cap     int
	Running int // live workers
	Idle    int // workers in the idle stack
	Busy    int // workers executing a callable
	Queued  int // callables waiting behind a busy worker
}

func (p *Pool) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()
	s := Stats{
		Name:    p.name,
		Cap:     p.Cap(),
		Running: len(p.workers),
		Idle:    p.readyWorkers.Len(),
	}
	for _, w := range p.workers {
		if w.Working() {
			s.Busy++
		}
		s.Queued += w.Pending()
	}
	return s
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) Cap() int {
	return int(p.capacity.Load())
}

func (p *Pool) Running() int {
	return int(p.running.Load())
}

func (p *Pool) Scale(cap int) {
	p.capacity.Store(int32(cap))
}

func (p *Pool) Open() {
	p.state.Store(STATE_OPENED)
}

func (p *Pool) Close() {
	p.state.Store(STATE_CLOSED)
}

func (p *Pool) Opened() bool {
	return p.state.Load() == STATE_OPENED
}

func (p *Pool) Closed() bool {
	return p.state.Load() == STATE_CLOSED
}

func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// IsWorker reports whether c was handed to a callable by pool p.
func IsWorker(c context.Context, p *Pool) bool {
	if c == nil {
		return false
	}
	owner, _ := c.Value(workerKey{}).(*Pool)
	return owner != nil && owner == p
}

// NewPool creates an open pool. cap <= 0 makes it unbounded, which is what
// the long-running pool uses.
func NewPool(name string, cap int, options ...Option) *Pool {
	opts := NewOptions(options...)
	p := &Pool{
		name:         name,
		done:         make(chan struct{}),
		readyWorkers: NewWorkersStack(0),
		options:      opts,
		logger:       opts.Logger.Named("threadpool"),
	}
	p.capacity.Store(int32(cap))
	p.workerCtx = ctx.NewContextWithCancel(context.WithValue(opts.Context, workerKey{}, p))
	p.Open()
	return p
}
