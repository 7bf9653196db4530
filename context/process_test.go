package context

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gaohao-creator/turbocore/errors"
)

func TestShutdownOrder(t *testing.T) {
	p := NewProcess(nil)
	assert.False(t, p.ViewIsShutdown())
	assert.False(t, p.ModelIsShutdown())
	assert.NoError(t, p.CheckShutdown(context.Background()))

	p.ShutdownView()
	assert.True(t, p.ViewIsShutdown())
	assert.False(t, p.ModelIsShutdown(), "view shutdown leaves the model running")
	assert.NoError(t, p.CheckShutdown(nil))

	p.ShutdownModel()
	assert.True(t, p.ModelIsShutdown())
	assert.ErrorIs(t, p.CheckShutdown(context.Background()), errors.ErrorShutdown)
}

func TestModelShutdownCancelsView(t *testing.T) {
	p := NewProcess(context.Background())
	p.ShutdownModel()
	select {
	case <-p.ViewCtx().Done():
	default:
		t.Fatal("view context still live after model shutdown")
	}
}

func TestCheckShutdownHonoursCallerContext(t *testing.T) {
	p := NewProcess(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.IsShutdown(p.CheckShutdown(ctx)))
}

func TestModes(t *testing.T) {
	p := NewProcess(context.Background())
	assert.Empty(t, p.Modes())

	p.SetMode(ModeThreadDebug, true)
	p.SetMode(ModeDBReport, true)
	assert.True(t, p.Mode(ModeThreadDebug))
	assert.False(t, p.Mode(ModeProfileUI))
	assert.Equal(t, []Mode{ModeDBReport, ModeThreadDebug}, p.Modes())

	p.SetMode(ModeThreadDebug, false)
	assert.Equal(t, []Mode{ModeDBReport}, p.Modes())
}

func TestBusyLock(t *testing.T) {
	p := NewProcess(context.Background())
	assert.NoError(t, p.CheckBusy())
	assert.True(t, p.TryBusy())
	assert.False(t, p.TryBusy())
	assert.True(t, p.IsBusy())
	assert.ErrorIs(t, p.CheckBusy(), errors.ErrorBusy)
	p.ReleaseBusy()
	assert.False(t, p.IsBusy())
}

func TestCtxCancelChild(t *testing.T) {
	parent := NewContextWithCancel(context.Background())
	child := parent.Child(0)
	bounded := parent.Child(time.Millisecond)
	defer bounded.Cancel()

	assert.NoError(t, child.Check())
	<-bounded.Ctx.Done()
	assert.True(t, bounded.Done())
	assert.False(t, child.Done())

	parent.Cancel()
	assert.ErrorIs(t, child.Check(), errors.ErrorShutdown)
}
