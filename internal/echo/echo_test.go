package echo

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestServer(t *testing.T) {
	s := &Server{Prefix: "re: "}
	out, err := s.Echo(context.Background(), wrapperspb.String("hi"))
	if err != nil || out.GetValue() != "re: hi" {
		t.Fatalf("Echo = %v, %v", out, err)
	}

	out, err = s.Reverse(context.Background(), wrapperspb.String("abc"))
	if err != nil || out.GetValue() != "cba" {
		t.Fatalf("Reverse = %v, %v", out, err)
	}

	if _, err := s.Reverse(context.Background(), wrapperspb.String("")); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expect InvalidArgument, got %v", err)
	}
}

func TestHandlerDecodes(t *testing.T) {
	var decoded bool
	dec := func(v any) error {
		v.(*wrapperspb.StringValue).Value = "x"
		decoded = true
		return nil
	}
	out, err := _Echo_Echo_Handler(&Server{}, context.Background(), dec, nil)
	if err != nil || !decoded {
		t.Fatalf("handler: %v (decoded=%v)", err, decoded)
	}
	if out.(*wrapperspb.StringValue).GetValue() != "x" {
		t.Fatalf("unexpected output %v", out)
	}
}
