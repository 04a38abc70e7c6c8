package middleware

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"hrpc/message"
)

// LoggingMiddleware logs every dispatch at debug level, and failures at warn.
func LoggingMiddleware(logger *log.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				logger.Warn("dispatch failed", "id", req.ID, "remote", req.RemoteAddr, "duration", duration, "err", err)
				return resp, err
			}
			logger.Debug("dispatch", "id", req.ID, "remote", req.RemoteAddr,
				"req_bytes", len(req.Payload), "resp_bytes", len(resp), "duration", duration)
			return resp, nil
		}
	}
}
