package loadbalance

import (
	"math/rand"

	"datalayer-rpc/registry"
)

// WeightedRandomBalancer picks nodes with probability proportional to
// Weight. Nodes without a weight count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(nodes []registry.Node) (*registry.Node, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	totalWeight := 0
	for _, n := range nodes {
		totalWeight += weight(n)
	}

	r := rand.Intn(totalWeight)
	for i := range nodes {
		r -= weight(nodes[i])
		if r < 0 {
			return &nodes[i], nil
		}
	}
	return &nodes[len(nodes)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(n registry.Node) int {
	if n.Weight <= 0 {
		return 1
	}
	return n.Weight
}
