package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSendTimeout matches the platform message client's reply timeout.
const DefaultSendTimeout = 30 * time.Second

// Loopback is an in-process message network. Nodes attach a handler under
// their id; clients obtained from Client send to attached nodes. Payloads
// are copied in both directions so neither side can share memory with the
// other.
type Loopback struct {
	mu      sync.RWMutex
	nodes   map[string]*loopbackNode
	timeout time.Duration
	logger  *zap.Logger
}

type loopbackNode struct {
	handler RequestHandler
	delay   time.Duration
}

// NewLoopback creates an empty network. A non-positive timeout uses
// DefaultSendTimeout.
func NewLoopback(timeout time.Duration, logger *zap.Logger) *Loopback {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loopback{
		nodes:   make(map[string]*loopbackNode),
		timeout: timeout,
		logger:  logger,
	}
}

// Attach makes nodeID reachable, served by h.
func (l *Loopback) Attach(nodeID string, h RequestHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[nodeID] = &loopbackNode{handler: h}
}

// Detach makes nodeID unreachable. In-flight requests still complete.
func (l *Loopback) Detach(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
}

// SetDelay adds latency before every request to nodeID is handled.
func (l *Loopback) SetDelay(nodeID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.nodes[nodeID]; ok {
		n.delay = d
	}
}

// Nodes returns the ids of all attached nodes.
func (l *Loopback) Nodes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.nodes))
	for id := range l.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Client returns a MessageClient that sends as sourceNode.
func (l *Loopback) Client(sourceNode string) MessageClient {
	return &loopbackClient{network: l, source: sourceNode}
}

type loopbackClient struct {
	network *Loopback
	source  string
}

type loopbackReply struct {
	data []byte
	err  error
}

func (c *loopbackClient) SendRequest(ctx context.Context, nodeID, path string, data []byte) ([]byte, error) {
	l := c.network
	l.mu.RLock()
	node, ok := l.nodes[nodeID]
	var handler RequestHandler
	var delay time.Duration
	if ok {
		handler, delay = node.handler, node.delay
	}
	l.mu.RUnlock()
	if !ok {
		return nil, ErrNodeUnreachable
	}

	sendCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	in := append([]byte(nil), data...)
	done := make(chan loopbackReply, 1) // buffered so a late handler never blocks
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-sendCtx.Done():
				done <- loopbackReply{err: sendCtx.Err()}
				return
			}
		}
		out, err := handler(sendCtx, c.source, path, in)
		done <- loopbackReply{data: append([]byte(nil), out...), err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if sendCtx.Err() != nil {
			return nil, ErrTimeout
		}
		l.logger.Debug("loopback handler failed",
			zap.String("node", nodeID), zap.String("path", path), zap.Error(r.err))
		return nil, ErrRemote
	case <-sendCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}
