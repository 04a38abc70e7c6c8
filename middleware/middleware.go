// Package middleware wraps the server's dispatch step.
//
// A HandlerFunc receives a request whose payload has already been read from the
// connection and returns the exact response bytes to write. A non-nil error
// means no response can be written: the server drops the connection, and the
// client observes a transport error.
package middleware

import (
	"context"

	"hrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B, C)(h) runs A, B, C, h, C, B, A.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
