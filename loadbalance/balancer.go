// Package loadbalance picks which server instance a new client connection dials.
//
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  one key always lands on the same instance
package loadbalance

import (
	"errors"

	"hrpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance from the currently discovered list.
// Implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	Name() string
}
