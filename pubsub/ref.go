package pubsub

import "weak"

// Ref is a handle on a subscriber. Value returns nil once the subscriber is
// gone, which the bus treats as a normal, silent unsubscribe.
type Ref interface {
	Value() any
	Key() any // comparable identity of the subscriber
}

type weakRef[T any] struct {
	p weak.Pointer[T]
}

// Weak holds p without keeping it alive.
func Weak[T any](p *T) Ref {
	return weakRef[T]{p: weak.Make(p)}
}

func (r weakRef[T]) Value() any {
	if v := r.p.Value(); v != nil {
		return v
	}
	return nil
}

func (r weakRef[T]) Key() any {
	return r.p
}

type strongRef struct {
	v any
}

// Strong holds v until Unsub is called with it. Use it for subscribers whose
// teardown path deregisters explicitly. v must be comparable.
func Strong(v any) Ref {
	return strongRef{v: v}
}

func (r strongRef) Value() any {
	return r.v
}

func (r strongRef) Key() any {
	return r.v
}
