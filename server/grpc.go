package server

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

var _ grpc.ServiceRegistrar = (*Dispatcher)(nil)

// RegisterService binds the unary methods of a gRPC service description so
// that generated or hand-written gRPC server code can be served over the
// bridge. Stream descriptors are skipped with a warning. Like grpc.Server it
// panics on an impl that does not satisfy desc.HandlerType.
func (d *Dispatcher) RegisterService(desc *grpc.ServiceDesc, impl any) {
	if impl != nil {
		ht := reflect.TypeOf(desc.HandlerType).Elem()
		if st := reflect.TypeOf(impl); !st.Implements(ht) {
			panic(fmt.Sprintf("server: RegisterService found the handler of type %v that does not satisfy %v", st, ht))
		}
	}
	for _, sd := range desc.Streams {
		d.logger.Warn("skipping streaming method",
			zap.String("method", "/"+desc.ServiceName+"/"+sd.StreamName))
	}

	def := ServiceDefinition{Name: desc.ServiceName}
	for _, md := range desc.Methods {
		def.Methods = append(def.Methods, MethodDefinition{
			FullMethod: "/" + desc.ServiceName + "/" + md.MethodName,
			Handler:    grpcMethodHandler(md.Handler, impl),
		})
	}
	if err := d.AddService(def); err != nil {
		panic(fmt.Sprintf("server: RegisterService: %v", err))
	}
}

// grpcMethodHandler runs a generated gRPC method handler. Its dec func
// copies the already decoded request into the message the handler allocates.
func grpcMethodHandler(h func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error), impl any) ServerCallHandler {
	return UnaryHandler(func(ctx context.Context, req proto.Message) (proto.Message, error) {
		dec := func(v any) error {
			target, ok := v.(proto.Message)
			if !ok {
				return status.Errorf(codes.Internal, "request target %T is not a protobuf message", v)
			}
			want := target.ProtoReflect().Descriptor().FullName()
			if got := req.ProtoReflect().Descriptor().FullName(); got != want {
				return status.Errorf(codes.InvalidArgument, "request is %s, want %s", got, want)
			}
			proto.Merge(target, req)
			return nil
		}

		out, err := h(impl, ctx, dec, nil)
		if err != nil {
			return nil, err
		}
		resp, ok := out.(proto.Message)
		if !ok {
			return nil, status.Errorf(codes.Internal, "response %T is not a protobuf message", out)
		}
		return resp, nil
	})
}
