package loadbalance

import (
	"sync/atomic"

	"datalayer-rpc/registry"
)

// RoundRobinBalancer cycles through nodes in order using an atomic counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(nodes []registry.Node) (*registry.Node, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	index := (b.counter.Add(1) - 1) % uint64(len(nodes))
	return &nodes[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
