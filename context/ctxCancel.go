package context

import (
	"context"
	"time"

	"github.com/gaohao-creator/turbocore/errors"
)

// CtxCancel is a context together with the func that cancels it. Cancelling
// is the shutdown signal for everything selecting on Ctx.
type CtxCancel struct {
	Ctx    context.Context
	Cancel context.CancelFunc
}

// Done reports whether the context has been cancelled, without blocking.
func (c *CtxCancel) Done() bool {
	select {
	case <-c.Ctx.Done():
		return true
	default:
		return false
	}
}

// Check returns errors.ErrorShutdown once the context is done.
func (c *CtxCancel) Check() error {
	if c.Done() {
		return errors.ErrorShutdown
	}
	return nil
}

// Child derives a context cancelled together with c. A positive timeout also
// bounds it.
func (c *CtxCancel) Child(timeout time.Duration) *CtxCancel {
	if timeout > 0 {
		return NewContextWithTimeout(c.Ctx, timeout)
	}
	return NewContextWithCancel(c.Ctx)
}

func NewContextWithCancel(parent context.Context) *CtxCancel {
	ctx, cancel := context.WithCancel(parent)
	return &CtxCancel{
		Ctx:    ctx,
		Cancel: cancel,
	}
}

func NewContextWithTimeout(parent context.Context, timeout time.Duration) *CtxCancel {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return &CtxCancel{
		Ctx:    ctx,
		Cancel: cancel,
	}
}
