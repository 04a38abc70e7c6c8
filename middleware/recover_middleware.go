package middleware

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"hrpc/message"
)

// RecoverMiddleware turns a handler panic into an error so that only the
// offending connection is dropped.
func RecoverMiddleware(logger *log.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp []byte, err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panicked", "id", req.ID, "remote", req.RemoteAddr, "panic", p)
					resp, err = nil, fmt.Errorf("middleware: handler for procedure %d panicked: %v", req.ID, p)
				}
			}()
			return next(ctx, req)
		}
	}
}
