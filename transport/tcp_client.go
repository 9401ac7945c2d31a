package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"datalayer-rpc/protocol"

	"go.uber.org/zap"
)

// TCPClient is a MessageClient that keeps one multiplexed connection per
// peer node. Node ids are turned into addresses by an AddrFunc, typically
// backed by the capability registry.
type TCPClient struct {
	source    string
	addrs     AddrFunc
	timeout   time.Duration
	heartbeat time.Duration
	dialer    net.Dialer
	logger    *zap.Logger

	mu         sync.Mutex
	transports map[string]*ClientTransport // keyed by node id
}

// TCPOption configures a TCPClient.
type TCPOption func(*TCPClient)

// WithSendTimeout bounds the wait for each reply.
func WithSendTimeout(d time.Duration) TCPOption {
	return func(c *TCPClient) { c.timeout = d }
}

// WithHeartbeat sets the keepalive interval; zero disables heartbeats.
func WithHeartbeat(d time.Duration) TCPOption {
	return func(c *TCPClient) { c.heartbeat = d }
}

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) TCPOption {
	return func(c *TCPClient) { c.logger = logger }
}

// NewTCPClient creates a client sending as sourceNode.
func NewTCPClient(sourceNode string, addrs AddrFunc, opts ...TCPOption) *TCPClient {
	c := &TCPClient{
		source:     sourceNode,
		addrs:      addrs,
		timeout:    DefaultSendTimeout,
		heartbeat:  30 * time.Second,
		dialer:     net.Dialer{Timeout: 5 * time.Second},
		logger:     zap.NewNop(),
		transports: make(map[string]*ClientTransport),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *TCPClient) SendRequest(ctx context.Context, nodeID, path string, data []byte) ([]byte, error) {
	t, err := c.getTransport(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	seq, ch, err := t.Send(path, data)
	if err != nil {
		c.dropTransport(nodeID, t)
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			c.dropTransport(nodeID, t)
			return nil, r.err
		}
		if r.msgType == protocol.MsgTypeError {
			return nil, ErrRemote
		}
		return r.body, nil
	case <-timer.C:
		t.Forget(seq)
		return nil, ErrTimeout
	case <-ctx.Done():
		t.Forget(seq)
		return nil, ctx.Err()
	}
}

// Close closes every connection.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.transports {
		t.Close()
		delete(c.transports, id)
	}
	return nil
}

func (c *TCPClient) getTransport(ctx context.Context, nodeID string) (*ClientTransport, error) {
	c.mu.Lock()
	t, ok := c.transports[nodeID]
	c.mu.Unlock()
	if ok {
		select {
		case <-t.Done():
			c.dropTransport(nodeID, t)
		default:
			return t, nil
		}
	}

	addr, err := c.addrs(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, nodeID, err)
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, nodeID, err)
	}
	t, err = NewClientTransport(conn, c.source, c.heartbeat)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, nodeID, err)
	}
	c.logger.Debug("connected to node", zap.String("node", nodeID), zap.String("addr", addr))

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.transports[nodeID]; ok {
		// Lost a dial race; keep the first connection.
		t.Close()
		return existing, nil
	}
	c.transports[nodeID] = t
	return t, nil
}

func (c *TCPClient) dropTransport(nodeID string, t *ClientTransport) {
	c.mu.Lock()
	if c.transports[nodeID] == t {
		delete(c.transports, nodeID)
	}
	c.mu.Unlock()
	t.Close()
}
