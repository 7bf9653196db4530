package pubsub

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	pctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/errors"
)

var errBoom = errors.New("boom")

type recorder struct {
	name  string
	hits  *atomic.Int32
	mu    sync.Mutex
	calls [][]any
	log   *[]string
}

func newRecorder(name string) *recorder {
	return &recorder{name: name, hits: &atomic.Int32{}}
}

func (r *recorder) Ping() {
	r.hits.Add(1)
	if r.log != nil {
		*r.log = append(*r.log, r.name)
	}
}

func (r *recorder) M(a, b int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, []any{a, b})
}

func (r *recorder) Say(format string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]any{format}, args...))
	return nil
}

func (r *recorder) Fail() error { return errBoom }
func (r *recorder) Panic()      { panic("kaboom") }
func (r *recorder) Stop() error { return errors.ErrorShutdown }

func newTestBus(t *testing.T, options ...Option) *Bus {
	options = append([]Option{WithLogger(zaptest.NewLogger(t))}, options...)
	return NewBus(pctx.NewProcess(context.Background()), options...)
}

func TestPubIsDeferredUntilProcess(t *testing.T) {
	bus := newTestBus(t)
	a := newRecorder("a")
	require.NoError(t, bus.Sub(Weak(a), "M", "t"))

	bus.Pub("t", 1, 2)
	assert.Empty(t, a.calls)
	assert.True(t, bus.WorkToDo())

	require.NoError(t, bus.Process())
	assert.Equal(t, [][]any{{1, 2}}, a.calls)
	assert.False(t, bus.WorkToDo())

	require.NoError(t, bus.Process())
	assert.Len(t, a.calls, 1)
}

func TestThreeSubscribersInvokedOnce(t *testing.T) {
	bus := newTestBus(t)
	subs := []*recorder{newRecorder("a"), newRecorder("b"), newRecorder("c")}
	for _, r := range subs {
		require.NoError(t, bus.Sub(Weak(r), "Ping", "ping"))
	}

	bus.Pub("ping")
	require.NoError(t, bus.Process())
	require.NoError(t, bus.Process())
	for _, r := range subs {
		assert.Equal(t, int32(1), r.hits.Load(), r.name)
	}
	runtime.KeepAlive(subs)
}

func TestCollectedSubscriberIsSkipped(t *testing.T) {
	bus := newTestBus(t)
	hits := &atomic.Int32{}
	func() {
		r := &recorder{name: "gone", hits: hits}
		require.NoError(t, bus.Sub(Weak(r), "Ping", "ping"))
	}()
	runtime.GC()
	runtime.GC()

	bus.Pub("ping")
	require.NoError(t, bus.Process())
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 0, bus.Stats().Subscriptions)
}

func TestDuplicateSubIsNoop(t *testing.T) {
	bus := newTestBus(t)
	a := newRecorder("a")
	require.NoError(t, bus.Sub(Weak(a), "Ping", "ping"))
	require.NoError(t, bus.Sub(Weak(a), "Ping", "ping"))

	require.NoError(t, bus.PubImmediate("ping"))
	assert.Equal(t, int32(1), a.hits.Load())
}

func TestSubValidation(t *testing.T) {
	bus := newTestBus(t)
	a := newRecorder("a")
	assert.ErrorIs(t, bus.Sub(Weak(a), "Nope", "t"), errors.ErrorMethodNotFound)
	assert.ErrorIs(t, bus.Sub(nil, "Ping", "t"), errors.ErrorSubscriberIsNil)
}

func TestPubImmediate(t *testing.T) {
	bus := newTestBus(t)
	a, b := newRecorder("a"), newRecorder("b")
	require.NoError(t, bus.Sub(Weak(a), "Ping", "ping"))
	require.NoError(t, bus.Sub(Weak(b), "Fail", "ping"))
	require.NoError(t, bus.Sub(Weak(b), "Ping", "ping"))

	err := bus.PubImmediate("ping")
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(1), a.hits.Load())
	assert.Equal(t, int32(1), b.hits.Load())
	assert.False(t, bus.WorkToDo())
}

type relay struct {
	bus  *Bus
	hits *atomic.Int32
}

func (r *relay) Outer() error {
	r.bus.Pub("later")
	return r.bus.PubImmediate("inner")
}

func TestPubDuringDrain(t *testing.T) {
	bus := newTestBus(t)
	r := &relay{bus: bus, hits: &atomic.Int32{}}
	inner, later := newRecorder("inner"), newRecorder("later")
	require.NoError(t, bus.Sub(Weak(r), "Outer", "outer"))
	require.NoError(t, bus.Sub(Weak(inner), "Ping", "inner"))
	require.NoError(t, bus.Sub(Weak(later), "Ping", "later"))

	bus.Pub("outer")
	require.NoError(t, bus.Process())
	assert.Equal(t, int32(1), inner.hits.Load(), "pubimmediate works inside a drain")
	assert.Equal(t, int32(0), later.hits.Load(), "publications made during a drain wait for the next one")

	require.NoError(t, bus.Process())
	assert.Equal(t, int32(1), later.hits.Load())
}

type drainer struct {
	bus    *Bus
	doing  atomic.Bool
	nested error
}

func (d *drainer) Drain() {
	d.doing.Store(d.bus.DoingWork())
	d.bus.Pub("later")
	d.nested = d.bus.Process()
}

func TestProcessFromInsideASubscriber(t *testing.T) {
	bus := newTestBus(t)
	d := &drainer{bus: bus}
	later := newRecorder("later")
	require.NoError(t, bus.Sub(Weak(d), "Drain", "drain"))
	require.NoError(t, bus.Sub(Weak(later), "Ping", "later"))

	bus.Pub("drain")
	done := make(chan error, 1)
	go func() { done <- bus.Process() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("a drain started from a subscriber never returned")
	}

	assert.True(t, d.doing.Load())
	assert.NoError(t, d.nested)
	assert.False(t, bus.DoingWork())
	assert.Equal(t, int32(0), later.hits.Load(), "the nested call leaves its publications for the next drain")
	assert.True(t, bus.WorkToDo())

	require.NoError(t, bus.Process())
	assert.Equal(t, int32(1), later.hits.Load())
}

func TestProcessOrder(t *testing.T) {
	bus := newTestBus(t)
	var log []string
	a, b := newRecorder("a"), newRecorder("b")
	a.log, b.log = &log, &log
	require.NoError(t, bus.Sub(Weak(a), "Ping", "first"))
	require.NoError(t, bus.Sub(Weak(b), "Ping", "second"))

	bus.Pub("second")
	bus.Pub("first")
	bus.Pub("second")
	require.NoError(t, bus.Process())
	assert.Equal(t, []string{"b", "a", "b"}, log)
}

func TestFailuresAreContained(t *testing.T) {
	var reported []error
	bus := newTestBus(t, WithErrorHandler(func(err error) { reported = append(reported, err) }))
	bad, good := newRecorder("bad"), newRecorder("good")
	require.NoError(t, bus.Sub(Weak(bad), "Panic", "t"))
	require.NoError(t, bus.Sub(Weak(bad), "Fail", "t"))
	require.NoError(t, bus.Sub(Weak(good), "Ping", "t"))
	require.NoError(t, bus.Sub(Weak(good), "M", "wrong-args"))

	bus.Pub("t")
	bus.Pub("wrong-args", "x")
	require.NoError(t, bus.Process())

	assert.Equal(t, int32(1), good.hits.Load())
	require.Len(t, reported, 3)
	assert.ErrorIs(t, reported[0], errors.ErrorPanic)
	assert.ErrorIs(t, reported[1], errBoom)
	assert.Contains(t, reported[2].Error(), "arguments")
}

func TestShutdownAbortsDrain(t *testing.T) {
	bus := newTestBus(t)
	stopper, after := newRecorder("stopper"), newRecorder("after")
	require.NoError(t, bus.Sub(Weak(stopper), "Stop", "stop"))
	require.NoError(t, bus.Sub(Weak(after), "Ping", "after"))

	bus.Pub("stop")
	bus.Pub("after")
	err := bus.Process()
	assert.ErrorIs(t, err, errors.ErrorShutdown)
	assert.Equal(t, int32(0), after.hits.Load())
}

func TestVariadicAndNilArguments(t *testing.T) {
	bus := newTestBus(t)
	a := newRecorder("a")
	require.NoError(t, bus.Sub(Weak(a), "Say", "say"))

	require.NoError(t, bus.PubImmediate("say", "hello %s %v", "world", nil))
	require.Len(t, a.calls, 1)
	assert.Equal(t, []any{"hello %s %v", "world", nil}, a.calls[0])
}

func TestUnsub(t *testing.T) {
	bus := newTestBus(t)
	a := newRecorder("a")
	ref := Strong(a)
	require.NoError(t, bus.Sub(ref, "Ping", "one"))
	require.NoError(t, bus.Sub(ref, "Ping", "two"))
	assert.Equal(t, Stats{Topics: 2, Subscriptions: 2}, bus.Stats())

	bus.Unsub(ref)
	require.NoError(t, bus.PubImmediate("one"))
	require.NoError(t, bus.PubImmediate("two"))
	assert.Equal(t, int32(0), a.hits.Load())
	assert.Equal(t, Stats{}, bus.Stats())
}

type countingProfiler struct {
	calls atomic.Int32
	min   time.Duration
}

func (p *countingProfiler) Profile(name string, min time.Duration, f func() error) error {
	p.calls.Add(1)
	p.min = min
	return f()
}

func TestProfileHook(t *testing.T) {
	prof := &countingProfiler{}
	bus := newTestBus(t, WithProfiler(prof))
	a := newRecorder("a")
	require.NoError(t, bus.Sub(Weak(a), "Ping", "ping"))

	require.NoError(t, bus.PubImmediate("ping"))
	assert.Equal(t, int32(0), prof.calls.Load())

	bus.proc.SetMode(pctx.ModeProfileUI, true)
	require.NoError(t, bus.PubImmediate("ping"))
	assert.Equal(t, int32(1), prof.calls.Load())
	assert.Equal(t, DefaultProfileThreshold, prof.min)
	assert.Equal(t, int32(2), a.hits.Load())
}

func TestRunDrainsOnPub(t *testing.T) {
	bus := newTestBus(t)
	a := newRecorder("a")
	require.NoError(t, bus.Sub(Weak(a), "Ping", "ping"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	bus.Pub("ping")
	require.Eventually(t, func() bool { return a.hits.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	bus.Close()
	bus.Pub("ping")
	assert.False(t, bus.WorkToDo())
	assert.ErrorIs(t, bus.PubImmediate("ping"), errors.ErrorBusClosed)
}
