package middleware

import (
	"context"
	"errors"
	"time"

	"frame-rpc/promise"
)

var ErrRequestTimeout = errors.New("request timed out")

// TimeOutMiddleware rejects a request whose outcome has not settled within
// timeout and cancels the context passed to the method.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *promise.Promise {
			ctx, cancel := context.WithTimeout(ctx, timeout)

			out, resolve, reject := promise.New()
			timer := time.AfterFunc(timeout, func() {
				reject(ErrRequestTimeout)
				cancel()
			})

			next(ctx, req).Then(func(v any, err error) {
				timer.Stop()
				cancel()
				if err != nil {
					reject(err)
					return
				}
				resolve(v)
			})
			return out
		}
	}
}
