package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"datalayer-rpc/codec"
	"datalayer-rpc/transport"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// ErrCallState is returned when a call's operations are used out of order:
// SendMessage before Start, or a second Start or SendMessage.
var ErrCallState = errors.New("client: call used out of order")

type callState int32

const (
	stateCreated callState = iota
	stateStarted
	stateSending
	stateAwaiting
	stateClosed
)

// ClientCallListener receives the outcome of one call: OnReady after
// Start, at most one OnMessage, then exactly one OnClose.
type ClientCallListener interface {
	OnReady()
	OnMessage(resp proto.Message)
	OnClose(st *status.Status)
}

// ClientCall is one unary call. All the work happens in a single goroutine
// started by SendMessage.
//
//	CREATED → STARTED → SENDING → AWAITING_REPLY → CLOSED
type ClientCall struct {
	ch   *Channel
	desc MethodDescriptor

	mu       sync.Mutex
	state    callState
	listener ClientCallListener
	ctx      context.Context
	cancel   context.CancelFunc
	stop     func() bool

	closed atomic.Bool
	done   chan struct{}
}

func newClientCall(ch *Channel, desc MethodDescriptor) *ClientCall {
	return &ClientCall{ch: ch, desc: desc, done: make(chan struct{})}
}

// Start registers the listener and signals that the call is ready for its
// one request. The call is bound to ctx: when ctx ends before the reply is
// delivered the call closes with DeadlineExceeded or Canceled.
func (c *ClientCall) Start(ctx context.Context, listener ClientCallListener) error {
	c.mu.Lock()
	if c.state != stateCreated {
		c.mu.Unlock()
		return ErrCallState
	}
	c.state = stateStarted
	c.listener = listener
	c.ctx, c.cancel = context.WithCancel(ctx)
	callCtx := c.ctx
	c.mu.Unlock()

	listener.OnReady()

	// Registered after OnReady so a dead ctx cannot close the call first.
	stop := context.AfterFunc(callCtx, func() {
		c.finish(nil, contextStatus(callCtx))
	})
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()
	return nil
}

// SendMessage sends the call's single request. It returns at once; the
// outcome reaches the listener.
func (c *ClientCall) SendMessage(req proto.Message) error {
	c.mu.Lock()
	if c.state != stateStarted {
		c.mu.Unlock()
		return ErrCallState
	}
	c.state = stateSending
	c.mu.Unlock()

	go c.run(req)
	return nil
}

// HalfClose is a no-op: the single request already ends the client side.
func (c *ClientCall) HalfClose() {}

// Request is a no-op: there is only ever one reply.
func (c *ClientCall) Request(int) {}

// Cancel abandons the call. A reply that arrives later is dropped and the
// call closes with Canceled. Cancelling a closed call does nothing.
func (c *ClientCall) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		// Never started: there is no listener to tell.
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		return
	}
	cancel()
}

// Done is closed once the listener has seen OnClose.
func (c *ClientCall) Done() <-chan struct{} {
	return c.done
}

func (c *ClientCall) run(req proto.Message) {
	ctx := c.ctx
	logger := c.ch.logger.With(zap.String("method", c.desc.FullMethod))

	data, err := codec.EncodeRequest(c.ch.codec, c.desc.FullMethod, req)
	if err != nil {
		logger.Error("encode request", zap.Error(err))
		c.finish(nil, status.New(codes.Internal, "client: cannot encode request"))
		return
	}

	node, err := c.ch.resolver.Resolve(ctx, c.desc.FullMethod)
	if err != nil {
		if ctx.Err() != nil {
			c.finish(nil, contextStatus(ctx))
			return
		}
		logger.Debug("no node for call", zap.Error(err))
		c.finish(nil, status.New(codes.Unavailable, "client: no reachable node"))
		return
	}

	c.setState(stateAwaiting)
	reply, err := c.ch.mc.SendRequest(ctx, node, c.ch.path(c.desc.FullMethod), data)
	if err != nil {
		logger.Debug("send failed", zap.String("node", node), zap.Error(err))
		c.finish(nil, transportStatus(ctx, err))
		return
	}

	resp, err := c.decode(reply)
	if err != nil {
		// Only the code crosses to the caller.
		logger.Warn("decode reply", zap.String("node", node), zap.Error(err))
		c.finish(nil, status.New(codes.Unknown, "client: undecodable reply"))
		return
	}
	c.finish(resp, status.New(codes.OK, ""))
}

func (c *ClientCall) decode(reply []byte) (proto.Message, error) {
	if c.desc.NewResponse == nil {
		return codec.DecodeResponseNew(c.ch.codec, reply)
	}
	out := c.desc.NewResponse()
	if err := codec.DecodeResponse(c.ch.codec, reply, out); err != nil {
		return nil, err
	}
	return out, nil
}

// finish delivers the outcome. Only the first caller gets through, so the
// listener sees exactly one OnClose.
func (c *ClientCall) finish(resp proto.Message, st *status.Status) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	c.state = stateClosed
	listener, cancel, stop := c.listener, c.cancel, c.stop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if resp != nil {
		listener.OnMessage(resp)
	}
	listener.OnClose(st)
	cancel()
	close(c.done)
}

func (c *ClientCall) setState(s callState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateClosed {
		c.state = s
	}
}

// transportStatus maps a transport failure onto the status vocabulary
// that crosses the device boundary.
func transportStatus(ctx context.Context, err error) *status.Status {
	switch {
	case transport.IsTimeout(err):
		return status.New(codes.DeadlineExceeded, "client: transport timed out")
	case transport.IsUnreachable(err):
		return status.New(codes.Unavailable, "client: node unreachable")
	case ctx.Err() != nil:
		return contextStatus(ctx)
	}
	return status.New(codes.Unknown, "client: transport failed")
}

func contextStatus(ctx context.Context) *status.Status {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return status.New(codes.DeadlineExceeded, "client: deadline exceeded")
	}
	return status.New(codes.Canceled, "client: call canceled")
}
