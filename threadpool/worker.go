package threadpool

import (
	"sync"
	"time"

	"github.com/gaohao-creator/turbocore/task"
)

type worker struct {
	lock      sync.Mutex
	queue     []task.Func   // callables waiting on this worker
	wake      chan struct{} // new callable or exit signal
	exit      bool          // set by Finish
	working   bool          // starts true so a new worker is never handed out twice before its first dequeue
	ready     bool          // in the idle stack, guarded by the pool lock
	scheduler Scheduler     // the pool this worker belongs to
	usedTime  time.Time     // last time it went idle
}

func (w *worker) Put(f task.Func) {
	w.lock.Lock()
	w.queue = append(w.queue, f)
	w.lock.Unlock()
	w.signal()
}

func (w *worker) Run() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.scheduler.Recover(r)
			}
			_ = w.scheduler.PutCache(w)
		}()
		handler := w.scheduler.Handler()
		ctx := w.scheduler.Context()
		for {
			f, ok := w.next()
			if !ok {
				return
			}
			handler(ctx, f)
			if !w.idle() {
				continue
			}
			if err := w.scheduler.PutReady(w); err != nil {
				return
			}
		}
	}()
}

func (w *worker) Finish() bool {
	w.lock.Lock()
	if w.working || len(w.queue) > 0 {
		w.lock.Unlock()
		return false
	}
	w.exit = true
	w.lock.Unlock()
	w.signal()
	return true
}

func (w *worker) Working() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.working
}

func (w *worker) Pending() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return len(w.queue)
}

// Drain removes and returns whatever is still queued.
func (w *worker) Drain() []task.Func {
	w.lock.Lock()
	defer w.lock.Unlock()
	out := w.queue
	w.queue = nil
	return out
}

func (w *worker) Ready() bool {
	return w.ready
}

func (w *worker) SetReady(ready bool) {
	w.ready = ready
}

func (w *worker) Refresh() {
	w.usedTime = time.Now()
}

func (w *worker) GetUsedTime() time.Time {
	return w.usedTime
}

// next blocks until there is a callable to run or the worker is finished.
func (w *worker) next() (task.Func, bool) {
	for {
		w.lock.Lock()
		if len(w.queue) > 0 {
			f := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			w.working = true
			w.lock.Unlock()
			return f, true
		}
		if w.exit {
			w.lock.Unlock()
			return nil, false
		}
		w.lock.Unlock()
		<-w.wake
	}
}

// idle marks the worker as not working unless more callables were queued on
// it while it ran.
func (w *worker) idle() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if len(w.queue) > 0 {
		return false
	}
	w.working = false
	return true
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func NewWorker(s Scheduler) Worker {
	return &worker{
		wake:      make(chan struct{}, 1),
		working:   true,
		scheduler: s,
		usedTime:  time.Now(),
	}
}
