package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"sync"

	"jsoncomm/registry"
)

// ConsistentHashBalancer maps keys to endpoints using a hash ring.
// The same key always maps to the same endpoint (until the ring changes),
// so a caller that keys by, say, a session ID keeps talking to one server.
//
// Virtual nodes: each real endpoint is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 endpoints might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per endpoint ensures
// statistical uniformity.
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
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real endpoint

	mu    sync.RWMutex
	ring  []uint32                      // Sorted hash values on the ring
	nodes map[uint32]*registry.Endpoint // Hash value → endpoint mapping
	addrs []string                      // Sorted addresses currently on the ring
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Endpoint),
	}
}

// Add places an endpoint onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(ep registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(ep)
	b.sortRing()
}

func (b *ConsistentHashBalancer) add(ep registry.Endpoint) {
	node := &ep
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = node
	}
	b.addrs = append(b.addrs, ep.Addr)
	slices.Sort(b.addrs)
}

// Keep the ring sorted for binary search in Pick()
func (b *ConsistentHashBalancer) sortRing() {
	slices.Sort(b.ring)
	b.ring = slices.Compact(b.ring)
}

// Set replaces the ring's endpoints. It does nothing when the set of
// addresses is unchanged, so it is cheap to call before every Pick.
func (b *ConsistentHashBalancer) Set(endpoints []registry.Endpoint) {
	addrs := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		addrs = append(addrs, ep.Addr)
	}
	slices.Sort(addrs)

	b.mu.RLock()
	same := slices.Equal(addrs, b.addrs)
	b.mu.RUnlock()
	if same {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.addrs = b.addrs[:0]
	clear(b.nodes)
	for _, ep := range endpoints {
		b.add(ep)
	}
	b.sortRing()
}

// Pick finds the endpoint responsible for the given key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
//
// Note: Pick takes a string key (not []Endpoint) because consistent hashing
// is key-based, so it doesn't implement the Balancer interface directly.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})

	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}

	ep := *b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent-hash"
}
