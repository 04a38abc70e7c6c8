package registry

import (
	"context"

	"hrpc/protocol"
)

// Instance is one server advertising a service.
type Instance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
	Framing protocol.Framing // Clients must dial with the same framing
}

type Registry interface {
	// Register advertises instance under serviceName for ttl seconds, renewed
	// until Deregister is called.
	Register(ctx context.Context, serviceName string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]Instance, error)
	// Watch emits the full instance list after every change, until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []Instance
}
