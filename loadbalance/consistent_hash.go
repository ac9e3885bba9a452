package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"ariactl/registry"
)

// ConsistentHashBalancer maps a key onto a hash ring of instances, so the
// same client keeps reaching the same engine while the group is stable and
// only a fraction of clients move when it changes.
//
// Each instance is placed on the ring as replicas virtual nodes.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.Mutex
	replicas int
	ring     []uint32                            // Sorted virtual node hashes
	nodes    map[uint32]*registry.EngineInstance // Virtual node hash → instance
	members  string                              // Address set the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.EngineInstance),
	}
}

// Add places an instance on the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.EngineInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
}

func (b *ConsistentHashBalancer) addLocked(instance *registry.EngineInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick returns the instance owning key. The ring is rebuilt when instances
// differs from the set it was built from.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.EngineInstance) (*registry.EngineInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if members := memberSet(instances); members != b.members {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.EngineInstance, len(instances)*b.replicas)
		for i := range instances {
			inst := instances[i]
			b.addLocked(&inst)
		}
		b.members = members
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent-hash"
}

func memberSet(instances []registry.EngineInstance) string {
	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
