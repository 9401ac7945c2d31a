package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"datalayer-rpc/registry"
)

// ConsistentHashBalancer maps keys to nodes on a hash ring, so the same key
// keeps landing on the same node until the node set changes. The channel
// keys by method, which keeps per-method state on one device.
//
// Each node is placed on the ring as many virtual nodes to even out the
// distribution.
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
	mu       sync.RWMutex
	replicas int
	ring     []uint32                  // sorted hash values
	nodes    map[uint32]*registry.Node // hash → node
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per node.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Node),
	}
}

// Add places node on the ring. Virtual node i hashes "{id}#{i}".
func (b *ConsistentHashBalancer) Add(node *registry.Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(node)
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Reset rebuilds the ring from nodes.
func (b *ConsistentHashBalancer) Reset(nodes []registry.Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.Node, len(nodes)*b.replicas)
	for i := range nodes {
		node := nodes[i]
		b.addLocked(&node)
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) addLocked(node *registry.Node) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", node.ID, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = node
	}
}

// Pick finds the node owning key: the first ring entry >= hash(key),
// wrapping around to the start.
//
// It takes a key rather than a node list, so it does not implement
// Balancer directly.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoNodes
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
