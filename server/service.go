package server

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	messageType = reflect.TypeOf((*proto.Message)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// NewServiceDefinition binds every exported method of rcvr shaped
//
//	func (ctx context.Context, req *Req) (*Resp, error)
//
// with Req and Resp protobuf messages, as "/name/Method". Methods of any
// other shape are skipped. It fails when nothing can be bound.
func NewServiceDefinition(name string, rcvr any) (ServiceDefinition, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return ServiceDefinition{}, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	val := reflect.ValueOf(rcvr)

	def := ServiceDefinition{Name: name}
	for i := 0; i < typ.NumMethod(); i++ {
		i := i // per-iteration copy (go 1.21 loop semantics)
		method := typ.Method(i)
		if !isUnaryMethod(method.Type) {
			continue
		}
		reqType := method.Type.In(2)
		def.Methods = append(def.Methods, MethodDefinition{
			FullMethod: "/" + name + "/" + method.Name,
			NewRequest: func() proto.Message {
				return reflect.New(reqType.Elem()).Interface().(proto.Message)
			},
			Handler: UnaryHandler(func(ctx context.Context, req proto.Message) (proto.Message, error) {
				return callMethod(val.Method(i), ctx, req)
			}),
		})
	}
	if len(def.Methods) == 0 {
		return ServiceDefinition{}, fmt.Errorf("server: %s has no methods of the form func(context.Context, *Req) (*Resp, error)", name)
	}
	return def, nil
}

// isUnaryMethod reports whether mt is (receiver, context.Context, *Req) (*Resp, error).
func isUnaryMethod(mt reflect.Type) bool {
	if mt.NumIn() != 3 || mt.NumOut() != 2 {
		return false
	}
	if mt.In(1) != contextType || mt.Out(1) != errorType {
		return false
	}
	in, out := mt.In(2), mt.Out(0)
	return in.Kind() == reflect.Ptr && in.Implements(messageType) &&
		out.Kind() == reflect.Ptr && out.Implements(messageType)
}

func callMethod(fn reflect.Value, ctx context.Context, req proto.Message) (proto.Message, error) {
	results := fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(req)})
	if err, _ := results[1].Interface().(error); err != nil {
		return nil, err
	}
	if results[0].IsNil() {
		return nil, status.Error(codes.Internal, "server: handler returned a nil response")
	}
	return results[0].Interface().(proto.Message), nil
}
