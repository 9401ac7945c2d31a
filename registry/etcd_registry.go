package registry

import (
	"context"
	"encoding/json"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/datalayer/"

// EtcdRegistry implements Registry using etcd v3.
//
// The etcd layout is one key per (capability, node):
//
//	Key:   /datalayer/{capability}/{nodeID}
//	Value: JSON-encoded Node
//
// Registration uses TTL leases: if a node goes away without deregistering,
// the lease expires and the entry disappears on its own.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// Close closes the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func capabilityKey(capability, nodeID string) string {
	return keyPrefix + capability + "/" + nodeID
}

// Register advertises node under capability with a TTL lease.
//
//  1. Grant a lease with the given TTL
//  2. Put the key with the lease attached
//  3. KeepAlive renews the lease until ctx is done
//
// The lease id stays local so one EtcdRegistry can register many nodes.
func (r *EtcdRegistry) Register(ctx context.Context, capability string, node Node, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(node)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, capabilityKey(capability, node.ID), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("capability", capability), zap.String("node", node.ID))
	}()
	return nil
}

// Deregister removes node from capability.
func (r *EtcdRegistry) Deregister(ctx context.Context, capability string, nodeID string) error {
	_, err := r.client.Delete(ctx, capabilityKey(capability, nodeID))
	return err
}

// Discover returns all nodes currently advertising capability.
func (r *EtcdRegistry) Discover(ctx context.Context, capability string) ([]Node, error) {
	resp, err := r.client.Get(ctx, keyPrefix+capability+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Lookup finds a node by id under any capability.
func (r *EtcdRegistry) Lookup(ctx context.Context, nodeID string) (*Node, error) {
	resp, err := r.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	for _, kv := range resp.Kvs {
		if !strings.HasSuffix(string(kv.Key), "/"+nodeID) {
			continue
		}
		var node Node
		if err := json.Unmarshal(kv.Value, &node); err != nil || node.ID != nodeID {
			continue
		}
		return &node, nil
	}
	return nil, ErrNodeNotFound
}

// Watch emits the full node list for capability whenever it changes. The
// channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, capability string) <-chan []Node {
	ch := make(chan []Node, 1)
	prefix := keyPrefix + capability + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch rather than apply individual events.
			nodes, err := r.Discover(ctx, capability)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.String("capability", capability), zap.Error(err))
				continue
			}
			select {
			case ch <- nodes:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}
