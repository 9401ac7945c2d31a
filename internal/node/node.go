// Package node assembles the bridge's components from a config.Config. It
// is shared by the binaries.
package node

import (
	"context"
	"errors"

	"datalayer-rpc/client"
	"datalayer-rpc/codec"
	"datalayer-rpc/config"
	"datalayer-rpc/loadbalance"
	"datalayer-rpc/middleware"
	"datalayer-rpc/registry"
	"datalayer-rpc/server"
	"datalayer-rpc/transport"

	"go.uber.org/zap"
)

// OpenRegistry connects to etcd when endpoints are configured and falls
// back to a process-local registry otherwise. The returned func releases
// it.
func OpenRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, func() error, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		logger.Info("no etcd endpoints, using in-memory registry")
		return registry.NewMemoryRegistry(), func() error { return nil }, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
	if err != nil {
		return nil, nil, err
	}
	return reg, reg.Close, nil
}

// Self describes this node for registration.
func Self(cfg *config.Config) registry.Node {
	return registry.Node{
		ID:          cfg.Node.ID,
		DisplayName: cfg.Node.Name,
		Addr:        cfg.AdvertiseAddr,
		Nearby:      cfg.Node.Nearby,
		Weight:      cfg.Node.Weight,
	}
}

// NewDispatcher creates a dispatcher with the configured codec and
// middleware chain: logging, then rate limit, then handler timeout.
func NewDispatcher(cfg *config.Config, logger *zap.Logger) *server.Dispatcher {
	d := server.NewDispatcher(
		server.WithCodec(codec.GetCodec(cfg.CodecType())),
		server.WithLogger(logger),
	)
	d.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit.Rate > 0 {
		d.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if cfg.HandlerTimeout > 0 {
		d.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	return d
}

// Addrs resolves node ids from the static peer table first, then the
// registry.
func Addrs(cfg *config.Config, reg registry.Registry) transport.AddrFunc {
	static := transport.StaticAddrs(cfg.Peers)
	dynamic := registry.Addrs(reg)
	return func(ctx context.Context, nodeID string) (string, error) {
		if addr, err := static(ctx, nodeID); err == nil {
			return addr, nil
		}
		addr, err := dynamic(ctx, nodeID)
		if errors.Is(err, registry.ErrNodeNotFound) {
			return "", transport.ErrNodeUnreachable
		}
		return addr, err
	}
}

// NewTCPClient creates the message client used for outbound calls.
func NewTCPClient(cfg *config.Config, reg registry.Registry, logger *zap.Logger) *transport.TCPClient {
	return transport.NewTCPClient(cfg.Node.ID, Addrs(cfg, reg),
		transport.WithSendTimeout(cfg.SendTimeout),
		transport.WithHeartbeat(cfg.Heartbeat),
		transport.WithLogger(logger),
	)
}

// Resolver picks a node for capability with the configured balancer. A
// non-empty target pins the call to that node instead.
func Resolver(cfg *config.Config, reg registry.Registry, capability, target string) client.NodeResolver {
	if target != "" {
		return client.PinnedNode(target)
	}
	return client.CapableNode(reg, capability, loadbalance.ByName(cfg.Balancer))
}

// NewChannel creates a channel using the configured codec and path prefix.
func NewChannel(cfg *config.Config, mc transport.MessageClient, r client.NodeResolver, logger *zap.Logger) *client.Channel {
	return client.NewChannel(mc, r,
		client.WithCodec(cfg.CodecType()),
		client.WithPathPrefix(cfg.PathPrefix),
		client.WithLogger(logger),
	)
}
