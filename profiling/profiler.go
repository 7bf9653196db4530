// Package profiling times callables while a profile mode is on and keeps a
// report for every call slower than its threshold, so fast calls do not flood
// the log.
package profiling

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	pctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/task"
)

// DefaultKeep is how many reports a Profiler remembers.
const DefaultKeep = 256

type Report struct {
	Name       string
	Started    time.Time
	Duration   time.Duration
	Goroutines int
	Err        error
}

type Profiler struct {
	clock  clock.Clock
	logger *zap.Logger
	keep   int

	lock    sync.Mutex
	reports []Report
}

func New(clk clock.Clock, logger *zap.Logger) *Profiler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profiler{
		clock:  clk,
		logger: logger.Named("profile"),
		keep:   DefaultKeep,
	}
}

// Profile runs f and records it if it took at least min.
func (p *Profiler) Profile(name string, min time.Duration, f func() error) error {
	started := p.clock.Now()
	err := f()
	took := p.clock.Since(started)
	if took < min {
		return err
	}

	r := Report{
		Name:       name,
		Started:    started,
		Duration:   took,
		Goroutines: runtime.NumGoroutine(),
		Err:        err,
	}
	p.lock.Lock()
	p.reports = append(p.reports, r)
	if over := len(p.reports) - p.keep; over > 0 {
		p.reports = append(p.reports[:0], p.reports[over:]...)
	}
	p.lock.Unlock()

	p.logger.Info("slow call",
		zap.String("name", name),
		zap.Duration("took", took),
		zap.Int("goroutines", r.Goroutines),
		zap.Error(err),
	)
	return err
}

// Reports returns the kept reports, oldest first.
func (p *Profiler) Reports() []Report {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := make([]Report, len(p.reports))
	copy(out, p.reports)
	return out
}

func (p *Profiler) Reset() {
	p.lock.Lock()
	p.reports = nil
	p.lock.Unlock()
}

// Middleware profiles task.Funcs while mode is on in proc. The mode is read
// at call time so it can be toggled while the process runs.
func (p *Profiler) Middleware(proc *pctx.Process, mode pctx.Mode, name string, min time.Duration) func(task.Func) task.Func {
	return func(f task.Func) task.Func {
		return func(ctx context.Context) error {
			if !proc.Mode(mode) {
				return f(ctx)
			}
			return p.Profile(name, min, func() error { return f(ctx) })
		}
	}
}
