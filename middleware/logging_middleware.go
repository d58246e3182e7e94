package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"frame-rpc/promise"
)

func LoggingMiddleware(logger logrus.FieldLogger) Middleware {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *promise.Promise {
			start := time.Now()
			p := next(ctx, req)
			p.Then(func(_ any, err error) {
				entry := logger.WithFields(logrus.Fields{
					"channel":  req.ChannelID,
					"instance": req.InstanceID,
					"method":   req.MethodName,
					"duration": time.Since(start),
				})
				if err != nil {
					entry.WithError(err).Warn("request failed")
					return
				}
				entry.Debug("request handled")
			})
			return p
		}
	}
}
