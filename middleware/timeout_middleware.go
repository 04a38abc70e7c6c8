package middleware

import (
	"context"
	"errors"
	"time"

	"hrpc/message"
)

var ErrTimeout = errors.New("middleware: handler timed out")

// TimeOutMiddleware fails a dispatch that takes longer than timeout. The
// handler keeps running in its goroutine; its result is discarded. Only the
// timeout abandons a handler: cancelling the parent context does not.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp []byte
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case r := <-done:
				return r.resp, r.err
			case <-timer.C:
				return nil, ErrTimeout
			}
		}
	}
}
