// Package loadbalance chooses which engine a client connects to when a
// registry group has several members.
//
// Three strategies are implemented:
//   - RoundRobin:      spread reconnects evenly over equal engines
//   - WeightedRandom:  engines with different capacity
//   - ConsistentHash:  stick one client to one engine; gids are engine-local
package loadbalance

import (
	"errors"

	"ariactl/registry"
)

var errNoInstances = errors.New("no engines available")

// Balancer picks one instance per connect attempt. Implementations must be
// goroutine-safe. key is an affinity hint that only hashing strategies use.
type Balancer interface {
	Pick(key string, instances []registry.EngineInstance) (*registry.EngineInstance, error)

	// Name returns the strategy name (for logging/flags).
	Name() string
}

// New returns the balancer registered under name: "round-robin",
// "weighted-random" or "consistent-hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.New("unknown balancer " + name)
}
