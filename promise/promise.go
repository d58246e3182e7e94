// Package promise provides the pending outcome used for every remote call and
// for deferred method results.
//
// A Promise settles exactly once, either fulfilled with a value or rejected
// with an error. Callers can block on it (Await), select on it (Done), or
// register a continuation (Then) that runs on the goroutine that settles it.
//
//	p, resolve, reject := promise.New()
//	go func() {
//		v, err := work()
//		if err != nil {
//			reject(err)
//			return
//		}
//		resolve(v)
//	}()
//	v, err := p.Await(ctx)
package promise

import (
	"context"
	"errors"
	"sync"
)

// State is the lifecycle state of a Promise. Transitions are irreversible.
type State int

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

// ErrNilRejection replaces a nil error passed to a RejectFunc.
var ErrNilRejection = errors.New("promise rejected with nil error")

// ResolveFunc fulfils a promise. Resolving with another *Promise adopts its
// outcome. Only the first resolve or reject has an effect.
type ResolveFunc func(value any)

// RejectFunc rejects a promise. Only the first resolve or reject has an effect.
type RejectFunc func(err error)

// Promise is a single-assignment outcome.
type Promise struct {
	mu        sync.Mutex
	state     State
	value     any
	err       error
	done      chan struct{}
	callbacks []func(any, error)
}

// New returns a pending promise with the functions that settle it.
// Both functions are safe to call from any goroutine.
func New() (*Promise, ResolveFunc, RejectFunc) {
	p := &Promise{done: make(chan struct{})}
	return p, p.resolve, p.reject
}

// Resolve returns a fulfilled promise. If value is itself a *Promise it is
// returned unchanged.
func Resolve(value any) *Promise {
	if p, ok := value.(*Promise); ok && p != nil {
		return p
	}
	p, resolve, _ := New()
	resolve(value)
	return p
}

// Reject returns a rejected promise.
func Reject(err error) *Promise {
	p, _, reject := New()
	reject(err)
	return p
}

func (p *Promise) resolve(value any) {
	if other, ok := value.(*Promise); ok && other != nil {
		if other == p {
			p.settle(Rejected, nil, errors.New("promise resolved with itself"))
			return
		}
		other.Then(func(v any, err error) {
			if err != nil {
				p.settle(Rejected, nil, err)
				return
			}
			p.settle(Fulfilled, v, nil)
		})
		return
	}
	p.settle(Fulfilled, value, nil)
}

func (p *Promise) reject(err error) {
	if err == nil {
		err = ErrNilRejection
	}
	p.settle(Rejected, nil, err)
}

func (p *Promise) settle(state State, value any, err error) {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.value = value
	p.err = err
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(value, err)
	}
}

// Then registers fn to run once the promise settles. If it already has, fn
// runs immediately on the calling goroutine.
func (p *Promise) Then(fn func(value any, err error)) {
	p.mu.Lock()
	if p.state == Pending {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	value, err := p.value, p.err
	p.mu.Unlock()
	fn(value, err)
}

// Done is closed when the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// State reports the current state.
func (p *Promise) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the outcome without blocking. Both are zero while pending.
func (p *Promise) Result() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Await blocks until the promise settles or ctx ends.
func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
