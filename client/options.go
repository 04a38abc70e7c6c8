package client

import (
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"hrpc/protocol"
)

type options struct {
	logger      *log.Logger
	framing     protocol.Framing
	maxPayload  int
	dialTimeout time.Duration
	rateLimit   float64
	rateBurst   int

	limiter *rate.Limiter // shared by every Client built from these options
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

// WithFraming selects the wire framing. It must match the server's.
func WithFraming(framing protocol.Framing) Option {
	return func(o *options) {
		o.framing = framing
	}
}

// WithMaxPayload bounds the response length a length-prefixed response may declare.
func WithMaxPayload(n int) Option {
	return func(o *options) {
		o.maxPayload = n
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithRateLimit makes every call wait for a token from a bucket refilled at
// r tokens per second, holding at most burst.
func WithRateLimit(r float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = r
		o.rateBurst = burst
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.rateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(o.rateLimit), max(o.rateBurst, 1))
	}
	return o
}
