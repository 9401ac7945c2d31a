// Package server implements the receiving side of the bridge: it turns an
// inbound request envelope into exactly one call on a bound handler and
// the handler's single response back into a response envelope.
//
// Dispatch pipeline:
//
//	bytes → codec.DecodeRequest → middleware chain → businessHandler
//	  → method lookup → payload decode → ServerCall lifecycle
//	  → single-slot wait → response envelope → bytes
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"datalayer-rpc/codec"
	"datalayer-rpc/message"
	"datalayer-rpc/middleware"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

var (
	// ErrMethodNotFound is returned for envelopes naming an unbound method.
	ErrMethodNotFound = errors.New("method not found")
	// ErrDuplicateMethod is returned when a method is bound twice.
	ErrDuplicateMethod = errors.New("method already registered")
	// ErrFrozen is returned when binding after the first dispatch.
	ErrFrozen = errors.New("method table is frozen")
)

// MethodDefinition binds one fully-qualified method to its handler.
type MethodDefinition struct {
	FullMethod string // "/pkg.Service/Method"
	// NewRequest returns an empty request message. When nil, the request
	// type is taken from the payload's type URL.
	NewRequest func() proto.Message
	Handler    ServerCallHandler
}

// ServiceDefinition is a named group of methods.
type ServiceDefinition struct {
	Name    string
	Methods []MethodDefinition
}

// NewUnaryMethod defines a unary method served by fn.
func NewUnaryMethod[Req, Resp proto.Message](fullMethod string, fn func(ctx context.Context, req Req) (Resp, error)) MethodDefinition {
	return MethodDefinition{
		FullMethod: fullMethod,
		NewRequest: func() proto.Message {
			var zero Req
			return zero.ProtoReflect().Type().New().Interface()
		},
		Handler: UnaryHandler(fn),
	}
}

// Dispatcher routes request envelopes to bound methods. The method table is
// read-only once the first message has been dispatched; calls share nothing
// else.
type Dispatcher struct {
	codec  codec.Codec
	logger *zap.Logger

	mu          sync.RWMutex
	methods     map[string]*MethodDefinition
	middlewares []middleware.Middleware

	frozen  bool
	once    sync.Once
	handler middleware.HandlerFunc // middleware(...(businessHandler)), built on first dispatch
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCodec sets the envelope codec. Both ends must agree on it.
func WithCodec(c codec.Codec) Option {
	return func(d *Dispatcher) { d.codec = c }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher with an empty method table.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		codec:   &codec.BinaryCodec{},
		logger:  zap.NewNop(),
		methods: make(map[string]*MethodDefinition),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Use adds a middleware. Middlewares run in the order added.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, mw)
}

// AddService binds every method of def.
func (d *Dispatcher) AddService(def ServiceDefinition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		return fmt.Errorf("%w: cannot add %s", ErrFrozen, def.Name)
	}

	for i := range def.Methods {
		m := def.Methods[i]
		if m.Handler == nil {
			return fmt.Errorf("%s: nil handler", m.FullMethod)
		}
		if _, ok := d.methods[m.FullMethod]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMethod, m.FullMethod)
		}
	}
	for i := range def.Methods {
		m := def.Methods[i]
		d.methods[m.FullMethod] = &m
	}
	d.logger.Info("service bound", zap.String("service", def.Name), zap.Int("methods", len(def.Methods)))
	return nil
}

// Methods lists the bound method names in order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleIncomingMessage serves one encoded request envelope and returns the
// encoded response envelope. Malformed envelopes and unknown methods fail
// before any handler code runs.
func (d *Dispatcher) HandleIncomingMessage(ctx context.Context, data []byte) ([]byte, error) {
	return d.HandleFrom(ctx, "", data)
}

// HandleFrom is HandleIncomingMessage with the calling node's id attached
// to the call.
func (d *Dispatcher) HandleFrom(ctx context.Context, source string, data []byte) ([]byte, error) {
	d.Freeze()

	req, err := codec.DecodeRequest(d.codec, data)
	if err != nil {
		return nil, err
	}

	resp, err := d.handler(withSource(ctx, source), req)
	if err != nil {
		return nil, err
	}
	return d.codec.Encode(resp)
}

// Freeze makes the method table read-only. The first dispatch freezes it
// implicitly.
func (d *Dispatcher) Freeze() { d.once.Do(d.freeze) }

func (d *Dispatcher) freeze() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frozen = true
	d.handler = middleware.Chain(d.middlewares...)(d.businessHandler)
}

func (d *Dispatcher) lookup(method string) (*MethodDefinition, bool) {
	// Frozen: no lock needed, the map is never written again.
	m, ok := d.methods[method]
	return m, ok
}

// businessHandler looks up the method, decodes the payload into its
// request type and runs the call.
func (d *Dispatcher) businessHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	def, ok := d.lookup(req.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, req.Method)
	}

	var in proto.Message
	var err error
	if def.NewRequest != nil {
		in = def.NewRequest()
		err = codec.Unpack(req.Request, in)
	} else {
		in, err = codec.UnpackNew(req.Request)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Method, err)
	}

	out, err := d.invoke(ctx, def, in)
	if err != nil {
		return nil, err
	}

	payload, err := anypb.New(out)
	if err != nil {
		return nil, fmt.Errorf("%s: encode response: %w", req.Method, err)
	}
	return &message.Response{Response: payload}, nil
}

// invoke runs the call lifecycle on its own goroutine. The listener sees
// OnReady, OnMessage and OnHalfClose in that order, then OnComplete once the
// response is read, or OnCancel if ctx ends first. A handler still inside
// those callbacks when ctx ends is abandoned and the call fails at once.
func (d *Dispatcher) invoke(ctx context.Context, def *MethodDefinition, in proto.Message) (proto.Message, error) {
	call := newServerCall(def.FullMethod, sourceFrom(ctx))

	started := make(chan struct{})
	result := make(chan callResult, 1)
	go func() {
		listener, err := d.start(ctx, def, call, in)
		close(started)
		if err != nil {
			result <- callResult{err: err}
			return
		}
		out, err := call.wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				listener.OnCancel()
			}
			result <- callResult{err: err}
			return
		}
		listener.OnComplete()
		result <- callResult{resp: out}
	}()

	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
	}

	select {
	case <-started:
		// wait sees ctx too, so the outcome is on its way.
		r := <-result
		return r.resp, r.err
	default:
		call.Close(ctx.Err())
		d.logger.Warn("abandoning handler", zap.String("method", def.FullMethod), zap.Error(ctx.Err()))
		return nil, fmt.Errorf("%s: %w", def.FullMethod, ctx.Err())
	}
}

func (d *Dispatcher) start(ctx context.Context, def *MethodDefinition, call *ServerCall, in proto.Message) (listener ServerCallListener, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", zap.String("method", def.FullMethod), zap.Any("panic", r))
			call.Close(status.Errorf(codes.Internal, "handler panic: %v", r))
			listener, err = nil, status.Errorf(codes.Internal, "%s: handler panic", def.FullMethod)
		}
	}()

	listener = def.Handler.StartCall(ctx, call)
	if listener == nil {
		return nil, status.Errorf(codes.Internal, "%s: handler returned no listener", def.FullMethod)
	}
	listener.OnReady()
	listener.OnMessage(in)
	listener.OnHalfClose()
	return listener, nil
}

// StatusCode classifies a dispatch error into a gRPC code.
func StatusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrMethodNotFound):
		return codes.NotFound
	case errors.Is(err, codec.ErrMalformedEnvelope), errors.Is(err, codec.ErrTypeMismatch):
		return codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return status.Code(err)
}

type sourceKey struct{}

func withSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

// SourceNode returns the calling node's id for a context passed to a
// handler, or "" when the transport did not report one.
func SourceNode(ctx context.Context) string {
	return sourceFrom(ctx)
}
