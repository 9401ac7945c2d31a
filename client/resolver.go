package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"datalayer-rpc/loadbalance"
	"datalayer-rpc/registry"

	"go.uber.org/zap"
)

// ErrNoNode is returned by a resolver that finds no reachable node. Calls
// close with Unavailable and send nothing.
var ErrNoNode = errors.New("client: no reachable node")

// NodeResolver picks the target node for a call. It runs at send time,
// since reachability changes between channel construction and the call.
type NodeResolver interface {
	Resolve(ctx context.Context, method string) (string, error)
}

type ResolverFunc func(ctx context.Context, method string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, method string) (string, error) {
	return f(ctx, method)
}

// PinnedNode always targets nodeID. An empty id resolves to nothing.
func PinnedNode(nodeID string) NodeResolver {
	return ResolverFunc(func(context.Context, string) (string, error) {
		if nodeID == "" {
			return "", ErrNoNode
		}
		return nodeID, nil
	})
}

// CapableNode targets a node advertising capability, chosen by bal.
func CapableNode(reg registry.Registry, capability string, bal loadbalance.Balancer) NodeResolver {
	return ResolverFunc(func(ctx context.Context, _ string) (string, error) {
		nodes, err := reg.Discover(ctx, capability)
		if err != nil {
			return "", fmt.Errorf("%w: discover %s: %v", ErrNoNode, capability, err)
		}
		return pick(bal, nodes)
	})
}

// NearestNode targets the directly connected node advertising capability.
// Relayed nodes are never chosen.
func NearestNode(reg registry.Registry, capability string) NodeResolver {
	return CapableNode(reg, capability, &loadbalance.NearestBalancer{})
}

// HashedNode keeps each method on the same node while the set of nodes
// advertising capability is stable. Each resolve builds its own ring from
// the nodes it discovered.
func HashedNode(reg registry.Registry, capability string) NodeResolver {
	return ResolverFunc(func(ctx context.Context, method string) (string, error) {
		nodes, err := reg.Discover(ctx, capability)
		if err != nil {
			return "", fmt.Errorf("%w: discover %s: %v", ErrNoNode, capability, err)
		}
		ring := loadbalance.NewConsistentHashBalancer()
		ring.Reset(nodes)
		node, err := ring.Pick(method)
		if err != nil {
			return "", ErrNoNode
		}
		return node.ID, nil
	})
}

func pick(bal loadbalance.Balancer, nodes []registry.Node) (string, error) {
	node, err := bal.Pick(nodes)
	if err != nil {
		return "", ErrNoNode
	}
	return node.ID, nil
}

// CachedResolver keeps the node list for one capability current by watching
// the registry, so resolving a call does not query the registry. It belongs
// to one channel.
type CachedResolver struct {
	bal    loadbalance.Balancer
	nodes  atomic.Pointer[[]registry.Node]
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCachedResolver loads the current node list and starts watching. Close
// stops the watch.
func NewCachedResolver(reg registry.Registry, capability string, bal loadbalance.Balancer, logger *zap.Logger) (*CachedResolver, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &CachedResolver{bal: bal, cancel: cancel}

	nodes, err := reg.Discover(ctx, capability)
	if err != nil {
		cancel()
		return nil, err
	}
	r.nodes.Store(&nodes)

	updates := reg.Watch(ctx, capability)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for nodes := range updates {
			nodes := nodes // per-iteration copy (go 1.21 loop semantics)
			logger.Debug("nodes changed", zap.String("capability", capability), zap.Int("count", len(nodes)))
			r.nodes.Store(&nodes)
		}
	}()
	return r, nil
}

func (r *CachedResolver) Resolve(_ context.Context, _ string) (string, error) {
	return pick(r.bal, *r.nodes.Load())
}

// Nodes returns the cached node list.
func (r *CachedResolver) Nodes() []registry.Node {
	return *r.nodes.Load()
}

func (r *CachedResolver) Close() {
	r.cancel()
	r.wg.Wait()
}
