package threadpool

import (
	"context"
	"time"

	"github.com/gaohao-creator/turbocore/task"
)

type Worker interface {
	Put(f task.Func)        // queue a callable
	Run()                   // start the worker goroutine
	Finish() bool           // stop the worker if it is idle with nothing queued
	Working() bool          // currently executing (or about to)
	Pending() int           // callables queued but not started
	Drain() []task.Func     // take back queued callables from an exiting worker
	Ready() bool            // in the idle stack, guarded by the pool lock
	SetReady(ready bool)
	GetUsedTime() time.Time // last time the worker went idle
	Refresh()               // update the used time
}

type Workers interface {
	Len() int
	IsEmpty() bool
	Push(e Worker) error
	Pop() (Worker, error)
	Clear() error
	ClearExpired(t time.Time) (int, error)
}

// Scheduler is the pool as seen from one of its workers.
type Scheduler interface {
	Handler() func(ctx context.Context, f task.Func) // runs one callable
	Context() context.Context                        // context handed to callables
	PutReady(w Worker) error                         // worker went idle
	PutCache(w Worker) error                         // worker exited
	Recover(r any)                                   // last-resort panic handler
}
