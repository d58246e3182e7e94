package transport

import (
	"context"
	"sync"
)

// Window models a browsing context inside one process. Payloads posted to a
// window are delivered on their own goroutine, so two posts may arrive in
// either order.
type Window struct {
	origin string
	inbox  chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func NewWindow(origin string) *Window {
	return &Window{
		origin: origin,
		inbox:  make(chan Envelope, 64),
		done:   make(chan struct{}),
	}
}

func (w *Window) Origin() string { return w.origin }

// HostObject keeps windows out of serialized values.
func (w *Window) HostObject() {}

// To returns the Sink w uses to post to target. Routes between the same
// two windows compare equal.
func (w *Window) To(target *Window) Sink {
	return route{from: w, to: target}
}

// Recv returns the next payload delivered to w.
func (w *Window) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-w.inbox:
		return env, nil
	case <-w.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Close stops delivery to w. Payloads still in flight are dropped.
func (w *Window) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return nil
}

func (w *Window) closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

type route struct {
	from, to *Window
}

func (r route) HostObject() {}

// PostMessage queues payload for r.to. A payload whose targetOrigin does not
// match the receiving window is dropped without error, as a browser does.
func (r route) PostMessage(payload, targetOrigin string) error {
	if r.to.closed() {
		return ErrClosed
	}
	if !originMatches(targetOrigin, r.to.origin) {
		return nil
	}

	env := Envelope{
		Payload: payload,
		Source:  route{from: r.to, to: r.from},
		Origin:  r.from.origin,
	}
	go func() {
		select {
		case r.to.inbox <- env:
		case <-r.to.done:
		}
	}()
	return nil
}
