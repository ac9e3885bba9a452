package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored; entries live
// until deregistered. Useful for single-host setups and tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	groups   map[string]map[string]EngineInstance
	watchers map[string][]chan []EngineInstance
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		groups:   make(map[string]map[string]EngineInstance),
		watchers: make(map[string][]chan []EngineInstance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, name string, instance EngineInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[name] == nil {
		r.groups[name] = make(map[string]EngineInstance)
	}
	r.groups[name][instance.Addr] = instance
	r.notifyLocked(name)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, name string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups[name], addr)
	r.notifyLocked(name)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, name string) ([]EngineInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(name), nil
}

// Watch emits the member list on every change; a slow reader only sees the
// latest list.
func (r *MemoryRegistry) Watch(ctx context.Context, name string) <-chan []EngineInstance {
	ch := make(chan []EngineInstance, 1)
	r.mu.Lock()
	r.watchers[name] = append(r.watchers[name], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[name]
		for i, w := range ws {
			if w == ch {
				r.watchers[name] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(name string) []EngineInstance {
	instances := make([]EngineInstance, 0, len(r.groups[name]))
	for _, inst := range r.groups[name] {
		instances = append(instances, inst)
	}
	return instances
}

func (r *MemoryRegistry) notifyLocked(name string) {
	instances := r.listLocked(name)
	for _, ch := range r.watchers[name] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
