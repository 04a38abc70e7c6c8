package server

import (
	"github.com/charmbracelet/log"

	"hrpc/middleware"
	"hrpc/protocol"
	"hrpc/registry"
)

type options struct {
	logger         *log.Logger
	framing        protocol.Framing
	maxPayload     int
	serialDispatch bool
	middlewares    []middleware.Middleware

	registry    registry.Registry
	serviceName string
	instance    registry.Instance
	ttl         int64
}

type Option func(*options)

func defaultOptions() options {
	return options{
		logger:     log.Default().WithPrefix("hrpc"),
		framing:    protocol.FramingRaw,
		maxPayload: protocol.DefaultMaxPayload,
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithFraming selects the wire framing. Clients must use the same one.
func WithFraming(framing protocol.Framing) Option {
	return func(o *options) {
		o.framing = framing
	}
}

// WithMaxPayload bounds the payload length a length-prefixed request may declare.
func WithMaxPayload(n int) Option {
	return func(o *options) {
		o.maxPayload = n
	}
}

// WithSerialDispatch runs at most one handler at a time across all
// connections, for handlers that are not safe for concurrent use.
func WithSerialDispatch() Option {
	return func(o *options) {
		o.serialDispatch = true
	}
}

// WithMiddleware appends middlewares to the dispatch chain, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, mws...)
	}
}

// WithRegistry advertises instance under serviceName while the server is
// serving. The instance's Framing is overwritten with the server's.
func WithRegistry(reg registry.Registry, serviceName string, instance registry.Instance, ttl int64) Option {
	return func(o *options) {
		o.registry = reg
		o.serviceName = serviceName
		o.instance = instance
		o.ttl = ttl
	}
}
