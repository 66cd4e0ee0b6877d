// Package promise implements a deferred value: a tri-state container
// settled at most once, whose reactions run as microtasks on a loop.
//
// A Deferred is created together with a Resolver; only the resolver can
// settle it. Rejection reasons are errors. Handlers registered with
// Then never run synchronously, even on an already-settled Deferred.
package promise

import (
	"errors"
	"fmt"

	"runloop/loop"
)

// State is the lifecycle state of a Deferred. Transitions only happen
// out of Pending and are irreversible.
type State int32

const (
	Pending State = iota
	Fulfilled
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// maxResolveDepth bounds thenable assimilation so that a pathological
// chain of thenables terminates instead of resolving forever.
const maxResolveDepth = 2000

// ErrResolutionDepth rejects a Deferred whose resolution chained
// through more than maxResolveDepth thenables.
var ErrResolutionDepth = errors.New("promise: thenable resolution depth exceeded")

// FulfillHandler consumes a fulfillment value. A non-nil error return
// rejects the downstream Deferred; otherwise the returned value
// (unwrapping thenables) fulfills it.
type FulfillHandler func(v any) (any, error)

// RejectHandler consumes a rejection reason, with the same return
// contract as FulfillHandler. Returning (v, nil) recovers the chain.
type RejectHandler func(reason error) (any, error)

// Thenable is anything a Deferred can assimilate during resolution.
type Thenable interface {
	Then(onFulfilled FulfillHandler, onRejected RejectHandler) *Deferred
}

// reaction is one registered continuation. Either raw is set, or the
// handler pair plus child are.
type reaction struct {
	onFulfilled FulfillHandler
	onRejected  RejectHandler
	raw         func(st State, v any, reason error)
	child       *Deferred
}

// Deferred is the tri-state future value container. It is not safe for
// concurrent use; like the loop it belongs to, it lives on one goroutine.
type Deferred struct {
	lp        *loop.Loop
	value     any
	reason    error
	reactions []reaction
	state     State
	handled   bool
	reported  bool
}

var _ Thenable = (*Deferred)(nil)

// Resolver is the sole capability permitted to settle its Deferred.
// Only the first Resolve or Reject call has any effect.
type Resolver struct {
	d    *Deferred
	used bool
}

// New returns a pending Deferred bound to lp, plus its Resolver.
func New(lp *loop.Loop) (*Deferred, *Resolver) {
	d := &Deferred{lp: lp}
	return d, &Resolver{d: d}
}

// Resolve settles the Deferred with v. If v is a Thenable the Deferred
// stays pending and adopts the thenable's eventual settlement. The
// resolver is consumed either way.
func (r *Resolver) Resolve(v any) {
	if r.used {
		return
	}
	r.used = true
	r.d.resolveValue(v, 0)
}

// Reject settles the Deferred as rejected with reason.
func (r *Resolver) Reject(reason error) {
	if r.used {
		return
	}
	r.used = true
	if reason == nil {
		reason = errors.New("promise: rejected with nil reason")
	}
	r.d.reject(reason)
}

// Resolve returns a Deferred already resolved with v.
func Resolve(lp *loop.Loop, v any) *Deferred {
	d, res := New(lp)
	res.Resolve(v)
	return d
}

// Reject returns a Deferred already rejected with reason.
func Reject(lp *loop.Loop, reason error) *Deferred {
	d, res := New(lp)
	res.Reject(reason)
	return d
}

// State returns the current lifecycle state.
func (d *Deferred) State() State { return d.state }

// Value returns the fulfillment value, or nil unless fulfilled.
func (d *Deferred) Value() any {
	if d.state == Fulfilled {
		return d.value
	}
	return nil
}

// Reason returns the rejection reason, or nil unless rejected.
func (d *Deferred) Reason() error {
	if d.state == Rejected {
		return d.reason
	}
	return nil
}

// Then registers a reaction and returns the downstream Deferred. The
// handlers never run synchronously: if d is already settled the
// reaction is scheduled as a microtask. A nil handler passes the
// settlement through to the downstream Deferred unchanged.
func (d *Deferred) Then(onFulfilled FulfillHandler, onRejected RejectHandler) *Deferred {
	child := &Deferred{lp: d.lp}
	d.addReaction(reaction{onFulfilled: onFulfilled, onRejected: onRejected, child: child})
	return child
}

// Catch registers a rejection handler. Equivalent to Then(nil, onRejected).
func (d *Deferred) Catch(onRejected RejectHandler) *Deferred {
	return d.Then(nil, onRejected)
}

// Finally runs fn once d settles, then propagates the original
// settlement to the returned Deferred. A panic inside fn is discarded;
// cleanup must not change the outcome.
func (d *Deferred) Finally(fn func()) *Deferred {
	child := &Deferred{lp: d.lp}
	d.addReaction(reaction{child: child, raw: func(st State, v any, reason error) {
		if fn != nil {
			func() {
				defer func() { _ = recover() }()
				fn()
			}()
		}
		if st == Fulfilled {
			child.resolveValue(v, 0)
		} else {
			child.reject(reason)
		}
	}})
	return child
}

// addReaction stores the reaction if pending, or schedules it as a
// microtask if d already settled. Attaching any reaction marks the
// rejection as observed: the settlement flows downstream, and the
// unobserved end of the chain is what reports.
func (d *Deferred) addReaction(rx reaction) {
	d.handled = true
	if d.state == Pending {
		d.reactions = append(d.reactions, rx)
		return
	}
	d.schedule(rx)
}

func (d *Deferred) schedule(rx reaction) {
	st, v, reason := d.state, d.value, d.reason
	// An enqueue failure means the loop is tearing down; the reaction
	// is dropped.
	_, _ = d.lp.QueueMicrotask(func() {
		runReaction(rx, st, v, reason)
	})
}

// resolveValue implements the resolution algorithm: self-resolution
// rejects with a cycle error, thenables are adopted recursively up to
// maxResolveDepth, and anything else fulfills.
func (d *Deferred) resolveValue(v any, depth int) {
	if d.state != Pending {
		return
	}
	if other, ok := v.(*Deferred); ok && other == d {
		d.reject(fmt.Errorf("promise: chaining cycle detected"))
		return
	}
	if depth > maxResolveDepth {
		d.reject(ErrResolutionDepth)
		return
	}
	if th, ok := v.(Thenable); ok {
		th.Then(
			func(val any) (any, error) {
				d.resolveValue(val, depth+1)
				return nil, nil
			},
			func(reason error) (any, error) {
				d.reject(reason)
				return nil, nil
			},
		)
		return
	}
	d.settle(Fulfilled, v, nil)
}

func (d *Deferred) reject(reason error) {
	d.settle(Rejected, nil, reason)
}

// settle performs the single Pending -> settled transition, draining
// the reaction list exactly once in registration order.
func (d *Deferred) settle(st State, v any, reason error) {
	if d.state != Pending {
		return
	}
	d.state = st
	d.value = v
	d.reason = reason
	rs := d.reactions
	d.reactions = nil
	for i := range rs {
		d.schedule(rs[i])
	}
	if st == Rejected {
		d.queueRejectionCheck()
	}
}

// queueRejectionCheck schedules a microtask that reports the rejection
// through the loop's error sink unless a reaction was attached first.
// Settle runs once, so at most one check is ever queued.
func (d *Deferred) queueRejectionCheck() {
	_, _ = d.lp.QueueMicrotask(func() {
		if d.state == Rejected && !d.handled && !d.reported {
			d.reported = true
			d.lp.ReportUnhandledRejection(d.reason)
		}
	})
}

// runReaction executes one reaction against a settled state snapshot.
func runReaction(rx reaction, st State, v any, reason error) {
	if rx.raw != nil {
		rx.raw(st, v, reason)
		return
	}
	if st == Fulfilled {
		if rx.onFulfilled == nil {
			rx.child.resolveValue(v, 0)
			return
		}
		settleFromHandler(rx.child, func() (any, error) { return rx.onFulfilled(v) })
		return
	}
	if rx.onRejected == nil {
		rx.child.reject(reason)
		return
	}
	settleFromHandler(rx.child, func() (any, error) { return rx.onRejected(reason) })
}

// settleFromHandler settles child from a handler's return value; a
// panic inside the handler rejects child instead of escaping.
func settleFromHandler(child *Deferred, call func() (any, error)) {
	defer func() {
		if r := recover(); r != nil {
			child.reject(&loop.PanicError{Value: r})
		}
	}()
	out, err := call()
	if err != nil {
		child.reject(err)
		return
	}
	child.resolveValue(out, 0)
}
