// Package task defines the unit of work passed around the core: a closure
// that captures its own arguments at schedule time.
package task

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/gaohao-creator/turbocore/errors"
)

// Func is a submitted callable. Returning errors.ErrorShutdown, or the error
// of its own cancelled ctx, is the cooperative way to stop early.
type Func func(ctx context.Context) error

// PanicError carries a recovered panic value and the stack it came from.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", errors.ErrorPanic, e.Value)
}

func (e *PanicError) Unwrap() error {
	return errors.ErrorPanic
}

// Run calls f and turns a panic into a *PanicError, so a failing callable
// never takes its host goroutine down.
func Run(ctx context.Context, f Func) (err error) {
	if f == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return f(ctx)
}

// Wrap adapts a plain func() into a Func.
func Wrap(f func()) Func {
	return func(context.Context) error {
		f()
		return nil
	}
}
