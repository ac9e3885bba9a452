package registry

import (
	"context"
	"fmt"
)

// Resolver picks an engine address from a registry group on every connect
// attempt. It satisfies transport.Resolver.
type Resolver struct {
	Registry Registry
	Name     string // Engine group
	Key      string // Affinity key for hashing pickers; gids only mean something on one engine
	Picker   Picker
}

// Resolve discovers the group and picks one member.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	instances, err := r.Registry.Discover(ctx, r.Name)
	if err != nil {
		return "", fmt.Errorf("discover %q: %w", r.Name, err)
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("discover %q: %w", r.Name, ErrNoEngines)
	}
	if r.Picker == nil {
		return instances[0].Addr, nil
	}
	inst, err := r.Picker.Pick(r.Key, instances)
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}
