// Package client implements the calling side of the bridge: a channel that
// generated gRPC stubs invoke through, carrying each unary call as one
// request and one reply over a transport.MessageClient.
package client

import (
	"context"
	"errors"
	"fmt"

	"datalayer-rpc/codec"
	"datalayer-rpc/transport"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// ErrUnsupportedMethodType is returned when a call is constructed for a
// streaming method. Only unary methods can ride a single request/reply
// exchange.
var ErrUnsupportedMethodType = errors.New("client: only unary methods are supported")

type MethodType int

const (
	Unary MethodType = iota
	ClientStreaming
	ServerStreaming
	BidiStreaming
)

func (t MethodType) String() string {
	switch t {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client-streaming"
	case ServerStreaming:
		return "server-streaming"
	case BidiStreaming:
		return "bidi-streaming"
	}
	return fmt.Sprintf("MethodType(%d)", int(t))
}

// MethodDescriptor describes the method a call is made for.
type MethodDescriptor struct {
	FullMethod string // "/pkg.Service/Method"
	Type       MethodType
	// NewResponse returns the message the reply is decoded into. When nil
	// the reply type is taken from the payload's type URL.
	NewResponse func() proto.Message
}

// Channel carries calls to whichever node its resolver picks at send time.
// It implements grpc.ClientConnInterface for unary methods.
type Channel struct {
	mc         transport.MessageClient
	resolver   NodeResolver
	codec      codec.Codec
	pathPrefix string
	logger     *zap.Logger
}

var _ grpc.ClientConnInterface = (*Channel)(nil)

type Option func(*Channel)

// WithCodec sets the envelope codec. Both ends must agree on it.
func WithCodec(t codec.CodecType) Option {
	return func(ch *Channel) { ch.codec = codec.GetCodec(t) }
}

// WithPathPrefix sets the transport path prefix calls are sent under.
func WithPathPrefix(prefix string) Option {
	return func(ch *Channel) { ch.pathPrefix = prefix }
}

func WithLogger(logger *zap.Logger) Option {
	return func(ch *Channel) { ch.logger = logger }
}

func NewChannel(mc transport.MessageClient, resolver NodeResolver, opts ...Option) *Channel {
	ch := &Channel{
		mc:         mc,
		resolver:   resolver,
		codec:      &codec.BinaryCodec{},
		pathPrefix: transport.DefaultPathPrefix,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// NewCall creates the state for one call. Streaming descriptors fail here,
// never later.
func (ch *Channel) NewCall(desc MethodDescriptor) (*ClientCall, error) {
	if desc.Type != Unary {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedMethodType, desc.FullMethod, desc.Type)
	}
	if desc.FullMethod == "" {
		return nil, errors.New("client: empty method name")
	}
	return newClientCall(ch, desc), nil
}

// Invoke performs a unary call and blocks until it closes. args and reply
// must be protobuf messages. The reply is decoded into a fresh message and
// copied into reply only when the call closes with it, so reply is never
// touched after Invoke returns.
func (ch *Channel) Invoke(ctx context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	in, ok := args.(proto.Message)
	if !ok {
		return status.Errorf(codes.Internal, "client: request %T is not a protobuf message", args)
	}
	out, ok := reply.(proto.Message)
	if !ok {
		return status.Errorf(codes.Internal, "client: reply %T is not a protobuf message", reply)
	}

	call, err := ch.NewCall(MethodDescriptor{
		FullMethod:  method,
		Type:        Unary,
		NewResponse: func() proto.Message { return out.ProtoReflect().New().Interface() },
	})
	if err != nil {
		return err
	}

	l := newBlockingListener(out)
	if err := call.Start(ctx, l); err != nil {
		return err
	}
	if err := call.SendMessage(in); err != nil {
		call.Cancel()
		return err
	}
	call.HalfClose()
	return l.wait()
}

// NewStream always fails: streams cannot be carried.
func (ch *Channel) NewStream(_ context.Context, desc *grpc.StreamDesc, method string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, status.Errorf(codes.Unimplemented, "client: streaming method %s is not supported", method)
}

func (ch *Channel) path(method string) string {
	return ch.pathPrefix + method
}

// blockingListener turns the listener callbacks back into a blocking call.
type blockingListener struct {
	reply proto.Message
	done  chan struct{}
	st    *status.Status
}

func newBlockingListener(reply proto.Message) *blockingListener {
	return &blockingListener{reply: reply, done: make(chan struct{})}
}

func (l *blockingListener) OnReady() {}

// OnMessage runs before OnClose and only for the call's one outcome.
func (l *blockingListener) OnMessage(resp proto.Message) {
	proto.Reset(l.reply)
	proto.Merge(l.reply, resp)
}

func (l *blockingListener) OnClose(st *status.Status) {
	l.st = st
	close(l.done)
}

func (l *blockingListener) wait() error {
	<-l.done
	return l.st.Err()
}
