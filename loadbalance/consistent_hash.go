package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"scriptbridge/registry"
)

// ConsistentHashBalancer maps a key, normally a host name, onto a hash ring of
// gateways. The same key keeps landing on the same gateway until the ring changes.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Each instance gets replicas virtual nodes so a handful of gateways still spread evenly.
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32                      // Sorted virtual node hashes
	nodes    map[uint32]*registry.Instance // Virtual node hash → instance
}

// NewConsistentHashBalancer creates an empty ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Instance),
	}
}

// Add places instance on the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.sort()
}

// Reset rebuilds the ring from a fresh instance list, as delivered by a registry watch.
func (b *ConsistentHashBalancer) Reset(instances []registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.Instance, len(instances)*b.replicas)
	for i := range instances {
		b.add(&instances[i])
	}
	b.sort()
}

// Pick finds the first virtual node clockwise from the key's hash, wrapping at the end.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func (b *ConsistentHashBalancer) add(instance *registry.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

func (b *ConsistentHashBalancer) sort() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}
