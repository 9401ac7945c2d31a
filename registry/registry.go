// Package registry keeps track of which nodes offer which capabilities.
//
// A node advertises each capability it serves (for example "echo") under a
// lease. Callers look capabilities up at send time, since nodes come and go
// as devices move in and out of range.
package registry

import (
	"context"
	"errors"
)

var ErrNodeNotFound = errors.New("registry: node not found")

// Node describes one reachable device.
type Node struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Addr        string `json:"addr,omitempty"`   // transport address, empty for non-TCP transports
	Nearby      bool   `json:"nearby,omitempty"` // directly connected rather than relayed
	Weight      int    `json:"weight,omitempty"` // for weighted selection
}

type Registry interface {
	Register(ctx context.Context, capability string, node Node, ttl int64) error
	Deregister(ctx context.Context, capability string, nodeID string) error
	Discover(ctx context.Context, capability string) ([]Node, error)
	Lookup(ctx context.Context, nodeID string) (*Node, error)
	Watch(ctx context.Context, capability string) <-chan []Node
}

// Addrs adapts reg to resolve node ids into transport addresses.
func Addrs(reg Registry) func(ctx context.Context, nodeID string) (string, error) {
	return func(ctx context.Context, nodeID string) (string, error) {
		node, err := reg.Lookup(ctx, nodeID)
		if err != nil {
			return "", err
		}
		if node.Addr == "" {
			return "", ErrNodeNotFound
		}
		return node.Addr, nil
	}
}
