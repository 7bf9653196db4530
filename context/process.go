// Package context holds the process-wide state that every component shares:
// the model and view shutdown signals, the named debug modes and the system
// busy lock.
//
// A Process is created once by the controller and handed to each component at
// construction, so tests can run several independent processes side by side.
package context

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gaohao-creator/turbocore/errors"
)

// Mode names a debug/report switch toggled at runtime.
type Mode string

const (
	ModeProfileUI      Mode = "profile_ui"      // profile pubsub callables
	ModeProfileThreads Mode = "profile_threads" // profile call-to-thread callables
	ModeThreadDebug    Mode = "thread_debug"    // log every dispatched job
	ModeDBReport       Mode = "db_report"       // log every storage action
	ModePubSubReport   Mode = "pubsub_report"   // log every publication
)

type Process struct {
	model *CtxCancel // cancelled last, parent of view
	view  *CtxCancel

	modesLock sync.RWMutex
	modes     map[Mode]bool

	busy atomic.Bool
}

func NewProcess(parent context.Context) *Process {
	if parent == nil {
		parent = context.Background()
	}
	model := NewContextWithCancel(parent)
	return &Process{
		model: model,
		view:  model.Child(0),
		modes: make(map[Mode]bool),
	}
}

// ModelCtx is cancelled when the model shuts down. Blocking waits across the
// core select on it.
func (p *Process) ModelCtx() context.Context {
	return p.model.Ctx
}

// ViewCtx is cancelled when the view shuts down, or when the model does.
func (p *Process) ViewCtx() context.Context {
	return p.view.Ctx
}

func (p *Process) ShutdownView() {
	p.view.Cancel()
}

func (p *Process) ShutdownModel() {
	p.view.Cancel()
	p.model.Cancel()
}

func (p *Process) ModelIsShutdown() bool {
	return p.model.Done()
}

func (p *Process) ViewIsShutdown() bool {
	return p.view.Done()
}

// CheckShutdown returns errors.ErrorShutdown once the model is shutting down
// or ctx is done. Long loops inside submitted work call it between steps.
func (p *Process) CheckShutdown(ctx context.Context) error {
	if err := p.model.Check(); err != nil {
		return err
	}
	if ctx != nil && ctx.Err() != nil {
		return errors.ErrorShutdown
	}
	return nil
}

func (p *Process) SetMode(m Mode, on bool) {
	p.modesLock.Lock()
	defer p.modesLock.Unlock()
	if on {
		p.modes[m] = true
	} else {
		delete(p.modes, m)
	}
}

func (p *Process) Mode(m Mode) bool {
	p.modesLock.RLock()
	defer p.modesLock.RUnlock()
	return p.modes[m]
}

// Modes returns the enabled modes, sorted.
func (p *Process) Modes() []Mode {
	p.modesLock.RLock()
	defer p.modesLock.RUnlock()
	out := make([]Mode, 0, len(p.modes))
	for m := range p.modes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TryBusy takes the system busy lock, e.g. while a backup runs. It returns
// false if someone else already holds it.
func (p *Process) TryBusy() bool {
	return p.busy.CompareAndSwap(false, true)
}

func (p *Process) ReleaseBusy() {
	p.busy.Store(false)
}

func (p *Process) IsBusy() bool {
	return p.busy.Load()
}

// CheckBusy returns errors.ErrorBusy while the busy lock is held.
func (p *Process) CheckBusy() error {
	if p.IsBusy() {
		return errors.ErrorBusy
	}
	return nil
}
