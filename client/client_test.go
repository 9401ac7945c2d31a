package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"datalayer-rpc/codec"
	"datalayer-rpc/internal/echo"
	"datalayer-rpc/server"
	"datalayer-rpc/transport"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// mockTransport counts what is handed to it and answers with reply.
type mockTransport struct {
	mu    sync.Mutex
	sends int
	bytes int
	nodes []string
	paths []string

	reply func(ctx context.Context, data []byte) ([]byte, error)
}

func (m *mockTransport) SendRequest(ctx context.Context, nodeID, path string, data []byte) ([]byte, error) {
	m.mu.Lock()
	m.sends++
	m.bytes += len(data)
	m.nodes = append(m.nodes, nodeID)
	m.paths = append(m.paths, path)
	m.mu.Unlock()
	return m.reply(ctx, data)
}

func (m *mockTransport) stats() (sends, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends, m.bytes
}

func replyWith(resp proto.Message) func(context.Context, []byte) ([]byte, error) {
	return func(context.Context, []byte) ([]byte, error) {
		return codec.EncodeResponse(&codec.BinaryCodec{}, resp)
	}
}

func failWith(err error) func(context.Context, []byte) ([]byte, error) {
	return func(context.Context, []byte) ([]byte, error) { return nil, err }
}

// blockUntilDone ignores the request and waits for ctx.
func blockUntilDone(ctx context.Context, _ []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recordingListener keeps every callback it sees.
type recordingListener struct {
	mu       sync.Mutex
	events   []string
	resp     proto.Message
	statuses []*status.Status
	closed   chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{closed: make(chan struct{})}
}

func (l *recordingListener) OnReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "ready")
}

func (l *recordingListener) OnMessage(resp proto.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "message")
	l.resp = resp
}

func (l *recordingListener) OnClose(st *status.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "close")
	l.statuses = append(l.statuses, st)
	if len(l.statuses) == 1 {
		close(l.closed)
	}
}

func (l *recordingListener) wait(t *testing.T) *status.Status {
	t.Helper()
	select {
	case <-l.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("call never closed")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[0]
}

func unary(method string) MethodDescriptor {
	return MethodDescriptor{FullMethod: method, Type: Unary}
}

func TestInvokeOverLoopback(t *testing.T) {
	d := server.NewDispatcher()
	echo.RegisterEchoServer(d, &echo.Server{})

	network := transport.NewLoopback(time.Second, nil)
	network.Attach("phone", func(ctx context.Context, source, path string, data []byte) ([]byte, error) {
		return d.HandleFrom(ctx, source, data)
	})

	ch := NewChannel(network.Client("watch"), PinnedNode("phone"))
	out, err := echo.NewEchoClient(ch).Echo(context.Background(), wrapperspb.String("hello"))
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if out.GetValue() != "hello" {
		t.Fatalf("expect hello, got %q", out.GetValue())
	}
}

func TestNewCallUnaryOnly(t *testing.T) {
	mt := &mockTransport{reply: replyWith(wrapperspb.String("x"))}
	ch := NewChannel(mt, PinnedNode("phone"))

	for _, typ := range []MethodType{ClientStreaming, ServerStreaming, BidiStreaming} {
		call, err := ch.NewCall(MethodDescriptor{FullMethod: "/s.S/M", Type: typ})
		if !errors.Is(err, ErrUnsupportedMethodType) {
			t.Fatalf("%v: expect ErrUnsupportedMethodType, got %v", typ, err)
		}
		if call != nil {
			t.Fatalf("%v: expect no call", typ)
		}
	}
	if sends, _ := mt.stats(); sends != 0 {
		t.Fatalf("expect no sends, got %d", sends)
	}

	_, err := ch.NewStream(context.Background(), &grpc.StreamDesc{ServerStreams: true}, "/s.S/M")
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("expect Unimplemented from NewStream, got %v", err)
	}
}

func TestCallLifecycle(t *testing.T) {
	mt := &mockTransport{reply: replyWith(wrapperspb.String("pong"))}
	ch := NewChannel(mt, PinnedNode("phone"))

	call, err := ch.NewCall(unary("/s.S/Ping"))
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	if err := call.SendMessage(wrapperspb.String("ping")); !errors.Is(err, ErrCallState) {
		t.Fatalf("expect ErrCallState before Start, got %v", err)
	}

	l := newRecordingListener()
	if err := call.Start(context.Background(), l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := call.Start(context.Background(), l); !errors.Is(err, ErrCallState) {
		t.Fatalf("expect ErrCallState on second Start, got %v", err)
	}
	call.Request(1)
	if err := call.SendMessage(wrapperspb.String("ping")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := call.SendMessage(wrapperspb.String("again")); !errors.Is(err, ErrCallState) {
		t.Fatalf("expect ErrCallState on second SendMessage, got %v", err)
	}
	call.HalfClose()

	st := l.wait(t)
	if st.Code() != codes.OK {
		t.Fatalf("expect OK, got %v", st)
	}
	<-call.Done()
	call.Cancel() // no-op once closed

	l.mu.Lock()
	defer l.mu.Unlock()
	if fmt.Sprint(l.events) != "[ready message close]" {
		t.Fatalf("unexpected events %v", l.events)
	}
	if !proto.Equal(l.resp, wrapperspb.String("pong")) {
		t.Fatalf("unexpected response %v", l.resp)
	}
	if sends, _ := mt.stats(); sends != 1 {
		t.Fatalf("expect 1 send, got %d", sends)
	}
	if mt.paths[0] != transport.DefaultPathPrefix+"/s.S/Ping" || mt.nodes[0] != "phone" {
		t.Fatalf("unexpected destination %s %s", mt.nodes[0], mt.paths[0])
	}
}

func TestNoNodeIsUnavailable(t *testing.T) {
	resolvers := map[string]NodeResolver{
		"empty pin":      PinnedNode(""),
		"no nearby node": NearestNode(emptyRegistry(t), echo.Capability),
		"resolver error": ResolverFunc(func(context.Context, string) (string, error) { return "", ErrNoNode }),
	}

	for name, r := range resolvers {
		t.Run(name, func(t *testing.T) {
			mt := &mockTransport{reply: replyWith(wrapperspb.String("x"))}
			ch := NewChannel(mt, r)

			var out wrapperspb.StringValue
			err := ch.Invoke(context.Background(), "/s.S/M", wrapperspb.String("x"), &out)
			if status.Code(err) != codes.Unavailable {
				t.Fatalf("expect Unavailable, got %v", err)
			}
			if sends, bytes := mt.stats(); sends != 0 || bytes != 0 {
				t.Fatalf("expect nothing sent, got %d sends / %d bytes", sends, bytes)
			}
		})
	}
}

func TestTransportErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"timeout", transport.ErrTimeout, codes.DeadlineExceeded},
		{"wrapped timeout", fmt.Errorf("send to phone: %w", transport.ErrTimeout), codes.DeadlineExceeded},
		{"unreachable", transport.ErrNodeUnreachable, codes.Unavailable},
		{"remote failure", transport.ErrRemote, codes.Unknown},
		{"other", errors.New("radio off"), codes.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewChannel(&mockTransport{reply: failWith(tt.err)}, PinnedNode("phone"))
			var out wrapperspb.StringValue
			err := ch.Invoke(context.Background(), "/s.S/M", wrapperspb.String("x"), &out)
			if status.Code(err) != tt.code {
				t.Fatalf("expect %v, got %v", tt.code, err)
			}
		})
	}
}

func TestUndecodableReplyIsUnknown(t *testing.T) {
	replies := map[string]func(context.Context, []byte) ([]byte, error){
		"garbage":    func(context.Context, []byte) ([]byte, error) { return []byte{0x0a, 0x7f}, nil },
		"wrong type": replyWith(wrapperspb.Int32(1)),
	}

	for name, reply := range replies {
		t.Run(name, func(t *testing.T) {
			ch := NewChannel(&mockTransport{reply: reply}, PinnedNode("phone"))
			var out wrapperspb.StringValue
			err := ch.Invoke(context.Background(), "/s.S/M", wrapperspb.String("x"), &out)
			if status.Code(err) != codes.Unknown {
				t.Fatalf("expect Unknown, got %v", err)
			}
		})
	}
}

func TestCancelClosesOnce(t *testing.T) {
	mt := &mockTransport{reply: blockUntilDone}
	ch := NewChannel(mt, PinnedNode("phone"))

	call, _ := ch.NewCall(unary("/s.S/Slow"))
	l := newRecordingListener()
	call.Start(context.Background(), l)
	call.SendMessage(wrapperspb.String("x"))

	time.Sleep(20 * time.Millisecond)
	call.Cancel()
	call.Cancel()

	if st := l.wait(t); st.Code() != codes.Canceled {
		t.Fatalf("expect Canceled, got %v", st)
	}
	<-call.Done()
	time.Sleep(20 * time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) != 1 || l.resp != nil {
		t.Fatalf("expect a single close and no message, got %v", l.events)
	}
}

func TestContextDeadline(t *testing.T) {
	// The transport ignores ctx entirely; the call still closes on time.
	release := make(chan struct{})
	defer close(release)
	mt := &mockTransport{reply: func(context.Context, []byte) ([]byte, error) {
		<-release
		return nil, transport.ErrTimeout
	}}
	ch := NewChannel(mt, PinnedNode("phone"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out wrapperspb.StringValue
	start := time.Now()
	err := ch.Invoke(ctx, "/s.S/M", wrapperspb.String("x"), &out)
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("call outlived its deadline")
	}
}

func TestLateReplyLeavesReplyUntouched(t *testing.T) {
	sent := make(chan struct{})
	mt := &mockTransport{reply: func(context.Context, []byte) ([]byte, error) {
		defer close(sent)
		time.Sleep(100 * time.Millisecond)
		return codec.EncodeResponse(&codec.BinaryCodec{}, wrapperspb.String("late"))
	}}
	ch := NewChannel(mt, PinnedNode("phone"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := wrapperspb.String("caller-owned")
	err := ch.Invoke(ctx, "/s.S/M", wrapperspb.String("x"), out)
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}

	<-sent
	time.Sleep(20 * time.Millisecond)
	if out.GetValue() != "caller-owned" {
		t.Fatalf("reply written after the call closed: %q", out.GetValue())
	}
}

func TestInvokeWithMsgpackCodec(t *testing.T) {
	d := server.NewDispatcher(server.WithCodec(&codec.MsgpackCodec{}))
	echo.RegisterEchoServer(d, &echo.Server{Prefix: "mp:"})

	var gotPath string
	mt := &mockTransport{}
	mt.reply = func(ctx context.Context, data []byte) ([]byte, error) {
		gotPath = mt.paths[len(mt.paths)-1]
		return d.HandleIncomingMessage(ctx, data)
	}

	ch := NewChannel(mt, PinnedNode("phone"), WithCodec(codec.CodecTypeMsgpack), WithPathPrefix("/rpc"))
	out, err := echo.NewEchoClient(ch).Echo(context.Background(), wrapperspb.String("x"))
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if out.GetValue() != "mp:x" {
		t.Fatalf("expect mp:x, got %q", out.GetValue())
	}
	if gotPath != "/rpc"+echo.EchoFullMethod {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestInvokeRejectsNonProto(t *testing.T) {
	ch := NewChannel(&mockTransport{reply: replyWith(wrapperspb.String("x"))}, PinnedNode("phone"))
	var out string
	if err := ch.Invoke(context.Background(), "/s.S/M", "x", &out); status.Code(err) != codes.Internal {
		t.Fatalf("expect Internal, got %v", err)
	}
}

func TestReplyTypeFromPayload(t *testing.T) {
	ch := NewChannel(&mockTransport{reply: replyWith(wrapperspb.UInt64(9))}, PinnedNode("phone"))
	call, _ := ch.NewCall(unary("/s.S/M"))
	l := newRecordingListener()
	call.Start(context.Background(), l)
	call.SendMessage(wrapperspb.String("x"))

	if st := l.wait(t); st.Code() != codes.OK {
		t.Fatalf("expect OK, got %v", st)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !proto.Equal(l.resp, wrapperspb.UInt64(9)) {
		t.Fatalf("unexpected response %v", l.resp)
	}
}

func TestConcurrentCalls(t *testing.T) {
	d := server.NewDispatcher()
	echo.RegisterEchoServer(d, &echo.Server{})

	network := transport.NewLoopback(time.Second, nil)
	network.Attach("phone", func(ctx context.Context, source, path string, data []byte) ([]byte, error) {
		return d.HandleFrom(ctx, source, data)
	})
	client := echo.NewEchoClient(NewChannel(network.Client("watch"), PinnedNode("phone")))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			in := fmt.Sprintf("e%d", i)
			out, err := client.Echo(context.Background(), wrapperspb.String(in))
			if err != nil || out.GetValue() != in {
				errs <- fmt.Errorf("Echo(%s) = %v, %v", in, out, err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			out, err := client.Reverse(context.Background(), wrapperspb.String(fmt.Sprintf("ab%d", i)))
			if err != nil || out.GetValue() != fmt.Sprintf("%dba", i) {
				errs <- fmt.Errorf("Reverse(ab%d) = %v, %v", i, out, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func BenchmarkInvokeLoopback(b *testing.B) {
	d := server.NewDispatcher()
	echo.RegisterEchoServer(d, &echo.Server{})

	network := transport.NewLoopback(time.Second, nil)
	network.Attach("phone", func(ctx context.Context, source, path string, data []byte) ([]byte, error) {
		return d.HandleFrom(ctx, source, data)
	})
	client := echo.NewEchoClient(NewChannel(network.Client("watch"), PinnedNode("phone")))
	in := wrapperspb.String("bench")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.Echo(context.Background(), in); err != nil {
			b.Fatal(err)
		}
	}
}
