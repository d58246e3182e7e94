// Package middleware wraps the dispatch of inbound requests.
//
// A channel builds its handler once:
//
//	Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
//
// so A sees the request first and the outcome last. Handlers return a
// *promise.Promise, so a middleware that cares about the outcome registers a
// continuation with Then instead of blocking.
package middleware

import (
	"context"

	"frame-rpc/promise"
)

// Request is one inbound call after its target object was resolved.
type Request struct {
	ChannelID  int64
	InstanceID string
	MethodName string
	Instance   any
	Params     []any
}

type HandlerFunc func(ctx context.Context, req *Request) *promise.Promise

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
