// Package loadbalance picks which bridge endpoint a gateway dials.
//
// The choice is made once per (re)connect, not per command: commands on one
// connection must stay on that connection to keep their FIFO order.
//
// Three strategies are implemented:
//   - RoundRobin:      Equal-capacity bridges
//   - WeightedRandom:  Heterogeneous bridges (Weight from the registry entry)
//   - ConsistentHash:  Gateway affinity; the same key always lands on the same bridge
package loadbalance

import (
	"errors"
	"fmt"

	"mini-bridge/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. key is only used by the
// consistent hash strategy.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
