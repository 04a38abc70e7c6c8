package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hrpc/message"
)

// RateLimitMiddleware throttles dispatch with a token bucket shared by all
// connections. A request that finds the bucket empty waits for a token, since
// the wire has no way to tell the client it was refused. The wait ends early
// when ctx is cancelled, which happens when the server stops.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]byte, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}
