package loadbalance

import (
	"sync/atomic"

	"ariactl/registry"
)

// RoundRobinBalancer cycles through the instances in order.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

func (b *RoundRobinBalancer) Pick(_ string, instances []registry.EngineInstance) (*registry.EngineInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "round-robin"
}
