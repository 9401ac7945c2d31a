package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrAlreadySent is returned to a handler that emits a second response.
	// The first response stands.
	ErrAlreadySent = errors.New("server: response already sent")
	// ErrCallClosed is returned when emitting on a call that was closed.
	ErrCallClosed = errors.New("server: call already closed")
	// ErrNoResponse completes a call that was closed cleanly without any
	// response.
	ErrNoResponse = status.Error(codes.Internal, "server: unary call closed without a response")
	// ErrNilResponse is returned for a nil response value.
	ErrNilResponse = errors.New("server: nil response")
)

type callResult struct {
	resp proto.Message
	err  error
}

// ServerCall is the state of one inbound unary call. Its completion slot
// holds exactly one outcome: the first of SendMessage or a failing Close
// fills it, and nothing can replace it afterwards.
type ServerCall struct {
	method string
	source string

	mu     sync.Mutex
	sent   bool
	closed bool
	slot   chan callResult // capacity 1
}

func newServerCall(method, source string) *ServerCall {
	return &ServerCall{
		method: method,
		source: source,
		slot:   make(chan callResult, 1),
	}
}

// Method returns the fully-qualified method being served.
func (c *ServerCall) Method() string { return c.method }

// Source returns the id of the calling node, if the transport knows it.
func (c *ServerCall) Source() string { return c.source }

// SendMessage emits the call's single response.
func (c *ServerCall) SendMessage(resp proto.Message) error {
	if resp == nil || !resp.ProtoReflect().IsValid() {
		return ErrNilResponse
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrCallClosed
	case c.sent:
		return ErrAlreadySent
	}
	c.sent = true
	c.slot <- callResult{resp: resp}
	return nil
}

// Close ends the call. A non-nil err fails a call that has not responded
// yet; Close(nil) before any response fails it with ErrNoResponse, so a
// reader never waits on a call that is over. Closing twice is a no-op.
func (c *ServerCall) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sent {
		return
	}
	if err == nil {
		err = ErrNoResponse
	}
	c.slot <- callResult{err: err}
}

// wait reads the outcome once. ctx ending first closes the call.
func (c *ServerCall) wait(ctx context.Context) (proto.Message, error) {
	select {
	case r := <-c.slot:
		return r.resp, r.err
	case <-ctx.Done():
		c.Close(ctx.Err())
		// Close may have lost to a concurrent SendMessage.
		r := <-c.slot
		if r.err != nil && errors.Is(r.err, ctx.Err()) {
			return nil, fmt.Errorf("%s: %w", c.method, r.err)
		}
		return r.resp, r.err
	}
}

// ServerCallListener receives the lifecycle of one call, always in the
// order OnReady, OnMessage, OnHalfClose, then OnComplete or OnCancel.
type ServerCallListener interface {
	OnReady()
	OnMessage(req proto.Message)
	OnHalfClose()
	OnComplete()
	OnCancel()
}

// ServerCallHandler starts serving a call and returns the listener that
// receives its lifecycle.
type ServerCallHandler interface {
	StartCall(ctx context.Context, call *ServerCall) ServerCallListener
}

// ServerCallHandlerFunc adapts a function to ServerCallHandler.
type ServerCallHandlerFunc func(ctx context.Context, call *ServerCall) ServerCallListener

func (f ServerCallHandlerFunc) StartCall(ctx context.Context, call *ServerCall) ServerCallListener {
	return f(ctx, call)
}

// UnaryHandler serves a call with fn: the request arrives in OnMessage,
// fn runs on OnHalfClose, its value is sent and the call closed. Errors and
// panics in fn close the call with an error.
func UnaryHandler[Req, Resp proto.Message](fn func(ctx context.Context, req Req) (Resp, error)) ServerCallHandler {
	return ServerCallHandlerFunc(func(ctx context.Context, call *ServerCall) ServerCallListener {
		return &unaryListener[Req, Resp]{ctx: ctx, call: call, fn: fn}
	})
}

type unaryListener[Req, Resp proto.Message] struct {
	ctx  context.Context
	call *ServerCall
	fn   func(ctx context.Context, req Req) (Resp, error)

	req     Req
	haveReq bool
}

func (l *unaryListener[Req, Resp]) OnReady() {}

func (l *unaryListener[Req, Resp]) OnMessage(m proto.Message) {
	req, ok := m.(Req)
	if !ok {
		l.call.Close(status.Errorf(codes.InvalidArgument, "unexpected request type %T", m))
		return
	}
	l.req = req
	l.haveReq = true
}

func (l *unaryListener[Req, Resp]) OnHalfClose() {
	if !l.haveReq {
		l.call.Close(status.Error(codes.Internal, "half-close before request"))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.call.Close(status.Errorf(codes.Internal, "handler panic: %v", r))
		}
	}()

	resp, err := l.fn(l.ctx, l.req)
	if err != nil {
		l.call.Close(err)
		return
	}
	if err := l.call.SendMessage(resp); err != nil {
		l.call.Close(err)
		return
	}
	l.call.Close(nil)
}

func (l *unaryListener[Req, Resp]) OnComplete() {}

func (l *unaryListener[Req, Resp]) OnCancel() {}
