package middleware

import (
	"context"
	"testing"
	"time"

	"datalayer-rpc/message"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func okResponse() *message.Response {
	payload, _ := anypb.New(wrapperspb.String("ok"))
	return &message.Response{Response: payload}
}

func echoHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	return okResponse(), nil
}

func slowHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	time.Sleep(200 * time.Millisecond)
	return okResponse(), nil
}

func failingHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	return nil, status.Error(codes.NotFound, "method not found")
}

var testReq = &message.Request{Method: "/echo.EchoService/Echo"}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := Chain(LoggingMiddleware(zap.New(core)))(echoHandler)

	resp, err := handler(context.Background(), testReq)
	if err != nil || resp == nil {
		t.Fatalf("expect response, got %v, %v", resp, err)
	}

	failing := LoggingMiddleware(zap.New(core))(failingHandler)
	if _, err := failing(context.Background(), testReq); status.Code(err) != codes.NotFound {
		t.Fatalf("expect NotFound to pass through, got %v", err)
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expect 2 log entries, got %d", len(entries))
	}
	if entries[1].Level != zap.WarnLevel || entries[1].ContextMap()["method"] != testReq.Method {
		t.Fatalf("unexpected failure entry %+v", entries[1])
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	if _, err := handler(context.Background(), testReq); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	_, err := handler(context.Background(), testReq)
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: two pass immediately, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), testReq); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	_, err := handler(context.Background(), testReq)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (*message.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(mark("a"), mark("b"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	if _, err := handler(context.Background(), testReq); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
}
