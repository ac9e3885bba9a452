package loadbalance

import (
	"math/rand/v2"

	"ariactl/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to its
// weight. Non-positive weights count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.EngineInstance) (*registry.EngineInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}

	total := 0
	for i := range instances {
		total += weight(&instances[i])
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weight(&instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted-random"
}

func weight(inst *registry.EngineInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
