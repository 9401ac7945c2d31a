// Package echo is a small gRPC-style service used by the binaries and the
// end-to-end tests. It is written the way protoc-gen-go-grpc lays out its
// output so it exercises the same registration and invocation paths as
// generated code.
package echo

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName       = "echo.Echo"
	EchoFullMethod    = "/echo.Echo/Echo"
	ReverseFullMethod = "/echo.Echo/Reverse"
)

// Capability is advertised by nodes that host the Echo service.
const Capability = "echo"

// EchoServer is the server API for the Echo service.
type EchoServer interface {
	Echo(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Reverse(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

func RegisterEchoServer(s grpc.ServiceRegistrar, srv EchoServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func _Echo_Echo_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EchoServer).Echo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EchoFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EchoServer).Echo(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Echo_Reverse_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EchoServer).Reverse(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReverseFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EchoServer).Reverse(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc for the Echo service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EchoServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Echo", Handler: _Echo_Echo_Handler},
		{MethodName: "Reverse", Handler: _Echo_Reverse_Handler},
	},
	Metadata: "echo.proto",
}

// EchoClient is the client API for the Echo service.
type EchoClient interface {
	Echo(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Reverse(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
}

type echoClient struct {
	cc grpc.ClientConnInterface
}

func NewEchoClient(cc grpc.ClientConnInterface) EchoClient {
	return &echoClient{cc}
}

func (c *echoClient) Echo(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, EchoFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *echoClient) Reverse(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, ReverseFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Server is the reference EchoServer. Prefix is prepended to echoed values.
type Server struct {
	Prefix string
}

func (s *Server) Echo(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.Prefix + in.GetValue()), nil
}

func (s *Server) Reverse(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "empty value")
	}
	r := []rune(in.GetValue())
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return wrapperspb.String(string(r)), nil
}
