package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"frame-rpc/promise"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *promise.Promise {
			if !limiter.Allow() {
				return promise.Reject(ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
