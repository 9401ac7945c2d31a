// Package loadbalance picks one node among those offering a capability.
//
// Strategies:
//   - Nearest:         the directly connected node, if any
//   - RoundRobin:      spread calls evenly across equal nodes
//   - WeightedRandom:  nodes with different capacity (phone vs. watch)
//   - ConsistentHash:  keep a key (e.g. a method) pinned to one node
package loadbalance

import (
	"errors"

	"datalayer-rpc/registry"
)

// ErrNoNodes is returned when there is nothing to pick from.
var ErrNoNodes = errors.New("no nodes available")

// Balancer selects a target node. The channel calls Pick at send time for
// every call, so implementations must be goroutine-safe.
type Balancer interface {
	Pick(nodes []registry.Node) (*registry.Node, error)

	// Name returns the strategy name (for logging).
	Name() string
}

// ByName returns the balancer for a config name; unknown names fall back to
// round robin.
func ByName(name string) Balancer {
	switch name {
	case "nearest":
		return &NearestBalancer{}
	case "weighted", "weighted_random":
		return &WeightedRandomBalancer{}
	}
	return &RoundRobinBalancer{}
}
