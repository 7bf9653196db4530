// Package pubsub is the process event bus.
//
// Subscribers register an (object, method name, topic) triple. Pub queues a
// publication for the next Process drain; PubImmediate calls subscribers in
// the calling goroutine. Objects are normally held through a weak Ref, so a
// subscriber that has been collected is skipped without complaint.
package pubsub

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	pctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/errors"
	"github.com/gaohao-creator/turbocore/task"
)

type publication struct {
	topic string
	args  []any
}

type subscription struct {
	ref     Ref
	methods []string
}

type topicSubs struct {
	order []any // keys, in subscription order
	subs  map[any]*subscription
}

type callable struct {
	name string
	fn   reflect.Value
	obj  any // keeps the subscriber alive for the call
}

type Bus struct {
	proc    *pctx.Process
	options *Options
	logger  *zap.Logger

	lock    sync.Mutex // pending
	pending []publication

	subsLock sync.RWMutex
	topics   map[string]*topicSubs

	doing  atomic.Bool // a drain is running
	wakeCh chan struct{}
	closed atomic.Bool
}

func NewBus(proc *pctx.Process, options ...Option) *Bus {
	if proc == nil {
		proc = pctx.NewProcess(context.Background())
	}
	opts := NewOptions(options...)
	return &Bus{
		proc:    proc,
		options: opts,
		logger:  opts.Logger.Named("pubsub"),
		topics:  make(map[string]*topicSubs),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Sub registers method of the object behind ref for topic. The method must
// exist on the live object. Registering the same triple twice is a no-op.
func (b *Bus) Sub(ref Ref, method string, topic string) error {
	if ref == nil {
		return errors.ErrorSubscriberIsNil
	}
	obj := ref.Value()
	if obj == nil {
		return errors.ErrorSubscriberIsNil
	}
	if !reflect.ValueOf(obj).MethodByName(method).IsValid() {
		return fmt.Errorf("%w: %T.%s", errors.ErrorMethodNotFound, obj, method)
	}

	b.subsLock.Lock()
	defer b.subsLock.Unlock()
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicSubs{subs: make(map[any]*subscription)}
		b.topics[topic] = ts
	}
	key := ref.Key()
	s, ok := ts.subs[key]
	if !ok {
		s = &subscription{ref: ref}
		ts.subs[key] = s
		ts.order = append(ts.order, key)
	}
	for _, m := range s.methods {
		if m == method {
			return nil
		}
	}
	s.methods = append(s.methods, method)
	return nil
}

// Unsub removes every subscription of the object behind ref.
func (b *Bus) Unsub(ref Ref) {
	if ref == nil {
		return
	}
	key := ref.Key()
	b.subsLock.Lock()
	defer b.subsLock.Unlock()
	for topic, ts := range b.topics {
		if _, ok := ts.subs[key]; !ok {
			continue
		}
		ts.remove(key)
		if len(ts.order) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (ts *topicSubs) remove(key any) {
	delete(ts.subs, key)
	for i, k := range ts.order {
		if k == key {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			return
		}
	}
}

// Pub queues a publication for the next drain and returns immediately.
func (b *Bus) Pub(topic string, args ...any) {
	if b.closed.Load() {
		return
	}
	if b.proc.Mode(pctx.ModePubSubReport) {
		b.logger.Info("pub", zap.String("topic", topic), zap.Int("args", len(args)))
	}
	b.lock.Lock()
	b.pending = append(b.pending, publication{topic: topic, args: args})
	b.lock.Unlock()
	b.signal()
}

// signal wakes Run without blocking.
func (b *Bus) signal() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// PubImmediate calls every live subscriber of topic now, in this goroutine.
// All subscribers run; their errors come back combined.
func (b *Bus) PubImmediate(topic string, args ...any) error {
	if b.closed.Load() {
		return errors.ErrorBusClosed
	}
	var errs error
	for _, c := range b.callables(topic) {
		errs = multierr.Append(errs, b.invoke(c, args))
	}
	return errs
}

// Process drains the publications queued before it was called. Anything
// published during the drain waits for the next one. A subscriber failure is
// reported and the drain goes on; the shutdown signal aborts the drain and is
// returned.
//
// Only one drain runs at a time. A call made while another drain is running,
// including one from inside a subscriber, returns at once and leaves its
// publications to the next drain.
func (b *Bus) Process() error {
	if !b.doing.CompareAndSwap(false, true) {
		return nil
	}
	defer func() {
		b.doing.Store(false)
		if b.WorkToDo() {
			b.signal()
		}
	}()

	b.lock.Lock()
	pending := b.pending
	b.pending = nil
	b.lock.Unlock()

	for _, pub := range pending {
		for _, c := range b.callables(pub.topic) {
			err := b.invoke(c, pub.args)
			if err == nil {
				continue
			}
			if errors.IsShutdown(err) {
				return err
			}
			b.report(pub.topic, c.name, err)
		}
	}
	return nil
}

// Run drains the queue every time something is published, until ctx is done
// or a subscriber returns the shutdown signal.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.wakeCh:
		}
		if err := b.Process(); err != nil {
			return err
		}
	}
}

// WorkToDo reports whether publications are waiting.
func (b *Bus) WorkToDo() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.pending) > 0
}

// DoingWork reports whether a drain is in progress.
func (b *Bus) DoingWork() bool {
	return b.doing.Load()
}

// Close stops accepting publications.
func (b *Bus) Close() {
	b.closed.Store(true)
}

type Stats struct {
	Topics        int
	Subscriptions int
	Pending       int
}

func (b *Bus) Stats() Stats {
	var s Stats
	b.subsLock.RLock()
	s.Topics = len(b.topics)
	for _, ts := range b.topics {
		s.Subscriptions += len(ts.order)
	}
	b.subsLock.RUnlock()
	b.lock.Lock()
	s.Pending = len(b.pending)
	b.lock.Unlock()
	return s
}

// callables resolves the live subscribers of topic and prunes dead ones.
func (b *Bus) callables(topic string) []callable {
	var out []callable
	var dead []any

	b.subsLock.RLock()
	ts, ok := b.topics[topic]
	if ok {
		for _, key := range ts.order {
			s := ts.subs[key]
			obj := s.ref.Value()
			if obj == nil {
				dead = append(dead, key)
				continue
			}
			v := reflect.ValueOf(obj)
			for _, m := range s.methods {
				if fn := v.MethodByName(m); fn.IsValid() {
					out = append(out, callable{name: fmt.Sprintf("%T.%s", obj, m), fn: fn, obj: obj})
				}
			}
		}
	}
	b.subsLock.RUnlock()

	if len(dead) > 0 {
		b.subsLock.Lock()
		if ts, ok := b.topics[topic]; ok {
			for _, key := range dead {
				if s, ok := ts.subs[key]; ok && s.ref.Value() == nil {
					ts.remove(key)
				}
			}
			if len(ts.order) == 0 {
				delete(b.topics, topic)
			}
		}
		b.subsLock.Unlock()
	}
	return out
}

func (b *Bus) invoke(c callable, args []any) error {
	call := func() error {
		return task.Run(context.Background(), func(context.Context) error {
			return callMethod(c.fn, c.name, args)
		})
	}
	if p := b.options.Profiler; p != nil && b.proc.Mode(pctx.ModeProfileUI) {
		return p.Profile(c.name, b.options.ProfileThreshold, call)
	}
	return call()
}

func (b *Bus) report(topic, name string, err error) {
	fields := []zap.Field{zap.String("topic", topic), zap.String("callable", name), zap.Error(err)}
	var pe *task.PanicError
	if errors.As(err, &pe) {
		fields = append(fields, zap.ByteString("stack", pe.Stack))
	}
	b.logger.Error("pubsub callable failed", fields...)
	if eh := b.options.ErrorHandler; eh != nil {
		eh(err)
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func callMethod(fn reflect.Value, name string, args []any) error {
	t := fn.Type()
	n := t.NumIn()
	if t.IsVariadic() {
		if len(args) < n-1 {
			return fmt.Errorf("%s: got %d arguments, want at least %d", name, len(args), n-1)
		}
	} else if len(args) != n {
		return fmt.Errorf("%s: got %d arguments, want %d", name, len(args), n)
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var pt reflect.Type
		if t.IsVariadic() && i >= n-1 {
			pt = t.In(n - 1).Elem()
		} else {
			pt = t.In(i)
		}
		if a == nil {
			in[i] = reflect.Zero(pt)
			continue
		}
		v := reflect.ValueOf(a)
		if !v.Type().AssignableTo(pt) {
			return fmt.Errorf("%s: argument %d is %s, want %s", name, i, v.Type(), pt)
		}
		in[i] = v
	}

	out := fn.Call(in)
	if len(out) == 0 {
		return nil
	}
	last := out[len(out)-1]
	if last.Type() == errorType && !last.IsNil() {
		return last.Interface().(error)
	}
	return nil
}
