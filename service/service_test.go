package service

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"datalayer-rpc/client"
	"datalayer-rpc/codec"
	"datalayer-rpc/internal/echo"
	"datalayer-rpc/registry"
	"datalayer-rpc/server"
	"datalayer-rpc/transport"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// countingClient wraps a MessageClient and counts the bytes it sends.
type countingClient struct {
	transport.MessageClient
	sends atomic.Int32
	bytes atomic.Int64
}

func (c *countingClient) SendRequest(ctx context.Context, nodeID, path string, data []byte) ([]byte, error) {
	c.sends.Add(1)
	c.bytes.Add(int64(len(data)))
	return c.MessageClient.SendRequest(ctx, nodeID, path, data)
}

// newPhone hosts the Echo service on node "phone" of a loopback network.
func newPhone(t *testing.T, timeout time.Duration) (*Service, *transport.Loopback) {
	t.Helper()
	d := server.NewDispatcher()
	echo.RegisterEchoServer(d, &echo.Server{})

	svc := New(d)
	svc.OnCreate()
	t.Cleanup(svc.OnDestroy)

	network := transport.NewLoopback(timeout, nil)
	network.Attach("phone", svc.Handler())
	return svc, network
}

func TestEchoRoundTrip(t *testing.T) {
	_, network := newPhone(t, time.Second)
	stub := echo.NewEchoClient(client.NewChannel(network.Client("watch"), client.PinnedNode("phone")))

	out, err := stub.Echo(context.Background(), wrapperspb.String("hello"))
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if out.GetValue() != "hello" {
		t.Fatalf("expect hello, got %q", out.GetValue())
	}
}

func TestUnresolvableNodeSendsNothing(t *testing.T) {
	_, network := newPhone(t, time.Second)
	mc := &countingClient{MessageClient: network.Client("watch")}
	reg := registry.NewMemoryRegistry()
	stub := echo.NewEchoClient(client.NewChannel(mc, client.NearestNode(reg, echo.Capability)))

	_, err := stub.Echo(context.Background(), wrapperspb.String("hello"))
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expect Unavailable, got %v", err)
	}
	if mc.sends.Load() != 0 || mc.bytes.Load() != 0 {
		t.Fatalf("expect zero bytes sent, got %d sends / %d bytes", mc.sends.Load(), mc.bytes.Load())
	}
}

func TestTransportTimeout(t *testing.T) {
	_, network := newPhone(t, 50*time.Millisecond)
	network.SetDelay("phone", 500*time.Millisecond)
	stub := echo.NewEchoClient(client.NewChannel(network.Client("watch"), client.PinnedNode("phone")))

	_, err := stub.Echo(context.Background(), wrapperspb.String("hello"))
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
}

func TestNonexistentMethod(t *testing.T) {
	var ran atomic.Bool
	d := server.NewDispatcher()
	err := d.AddService(server.ServiceDefinition{Name: "test.Svc", Methods: []server.MethodDefinition{
		server.NewUnaryMethod("/test.Svc/Echo", func(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			ran.Store(true)
			return in, nil
		}),
	}})
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	svc := New(d)
	svc.OnCreate()
	defer svc.OnDestroy()

	data, err := codec.EncodeRequest(&codec.BinaryCodec{}, "Nonexistent", wrapperspb.String("x"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.OnIncomingMessage(context.Background(), "watch", transport.DefaultPathPrefix+"/Nonexistent", data)
	if !errors.Is(err, server.ErrMethodNotFound) || server.StatusCode(err) != codes.NotFound {
		t.Fatalf("expect not found, got %v", err)
	}
	if ran.Load() {
		t.Fatal("handler ran for an unknown method")
	}
}

func TestCorruptedEnvelope(t *testing.T) {
	svc, _ := newPhone(t, time.Second)

	data, err := codec.EncodeRequest(&codec.BinaryCodec{}, echo.EchoFullMethod, wrapperspb.String("hello"))
	if err != nil {
		t.Fatal(err)
	}
	corrupted := append([]byte(nil), data...)
	corrupted[1] = 0xff

	for name, in := range map[string][]byte{"truncated": data[:len(data)-3], "corrupted": corrupted} {
		_, err := svc.OnIncomingMessage(context.Background(), "watch", transport.DefaultPathPrefix+echo.EchoFullMethod, in)
		if !errors.Is(err, codec.ErrMalformedEnvelope) {
			t.Fatalf("%s: expect ErrMalformedEnvelope, got %v", name, err)
		}
	}
}

func TestConcurrentCallsCompleteIndependently(t *testing.T) {
	const (
		slowMethod = "/test.Mixed/Slow"
		fastMethod = "/test.Mixed/Fast"
	)
	d := server.NewDispatcher()
	err := d.AddService(server.ServiceDefinition{Name: "test.Mixed", Methods: []server.MethodDefinition{
		server.NewUnaryMethod(slowMethod, func(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			time.Sleep(150 * time.Millisecond)
			return wrapperspb.String("slow:" + in.GetValue()), nil
		}),
		server.NewUnaryMethod(fastMethod, func(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			return wrapperspb.String("fast:" + in.GetValue()), nil
		}),
	}})
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	svc := New(d)
	svc.OnCreate()
	defer svc.OnDestroy()

	network := transport.NewLoopback(time.Second, nil)
	network.Attach("phone", svc.Handler())
	ch := client.NewChannel(network.Client("watch"), client.PinnedNode("phone"))

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	call := func(method, in, want string) {
		defer wg.Done()
		out := &wrapperspb.StringValue{}
		if err := ch.Invoke(context.Background(), method, wrapperspb.String(in), out); err != nil {
			t.Errorf("%s: %v", method, err)
			return
		}
		if out.GetValue() != want {
			t.Errorf("%s: expect %q, got %q", method, want, out.GetValue())
		}
		mu.Lock()
		order = append(order, method)
		mu.Unlock()
	}

	wg.Add(2)
	go call(slowMethod, "a", "slow:a")
	time.Sleep(20 * time.Millisecond)
	go call(fastMethod, "b", "fast:b")
	wg.Wait()

	if len(order) != 2 || order[0] != fastMethod {
		t.Fatalf("expect the fast call to finish first, got %v", order)
	}
}

func TestLifecycle(t *testing.T) {
	started := make(chan struct{})
	d := server.NewDispatcher()
	err := d.AddService(server.ServiceDefinition{Name: "test.Block", Methods: []server.MethodDefinition{
		server.NewUnaryMethod("/test.Block/Wait", func(ctx context.Context, _ *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}})
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	svc := New(d)

	data, _ := codec.EncodeRequest(&codec.BinaryCodec{}, "/test.Block/Wait", wrapperspb.String("x"))
	path := transport.DefaultPathPrefix + "/test.Block/Wait"

	if _, err := svc.OnIncomingMessage(context.Background(), "watch", path, data); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expect ErrNotRunning before create, got %v", err)
	}

	svc.OnCreate()
	if _, err := svc.OnIncomingMessage(context.Background(), "watch", "/other/path", data); !errors.Is(err, transport.ErrNoHandler) {
		t.Fatalf("expect ErrNoHandler for a foreign path, got %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := svc.OnIncomingMessage(context.Background(), "watch", path, data)
		result <- err
	}()
	<-started

	destroyed := make(chan struct{})
	go func() {
		svc.OnDestroy()
		close(destroyed)
	}()

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expect in-flight dispatch to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight dispatch was not cancelled")
	}
	<-destroyed

	if _, err := svc.OnIncomingMessage(context.Background(), "watch", path, data); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expect ErrNotRunning after destroy, got %v", err)
	}
	svc.OnDestroy()
}

func TestDestroyAbandonsBlockedHandler(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	d := server.NewDispatcher()
	err := d.AddService(server.ServiceDefinition{Name: "test.Stuck", Methods: []server.MethodDefinition{
		server.NewUnaryMethod("/test.Stuck/Hang", func(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			close(started)
			<-release
			return wrapperspb.String("too late"), nil
		}),
	}})
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	svc := New(d)
	svc.OnCreate()

	data, _ := codec.EncodeRequest(&codec.BinaryCodec{}, "/test.Stuck/Hang", wrapperspb.String("x"))
	result := make(chan error, 1)
	go func() {
		_, err := svc.OnIncomingMessage(context.Background(), "watch", transport.DefaultPathPrefix+"/test.Stuck/Hang", data)
		result <- err
	}()
	<-started

	destroyed := make(chan struct{})
	go func() {
		svc.OnDestroy()
		close(destroyed)
	}()

	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("OnDestroy blocked on a handler that ignores ctx")
	}
	if err := <-result; server.StatusCode(err) != codes.Canceled {
		t.Fatalf("expect Canceled, got %v", err)
	}
}

func TestAdvertise(t *testing.T) {
	svc, network := newPhone(t, time.Second)
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	node := registry.Node{ID: "phone", Nearby: true}
	if err := svc.Advertise(ctx, reg, node, 0, echo.Capability); err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	for _, capability := range []string{echo.ServiceName, echo.Capability} {
		nodes, _ := reg.Discover(ctx, capability)
		if len(nodes) != 1 || nodes[0].ID != "phone" {
			t.Fatalf("%s: unexpected nodes %v", capability, nodes)
		}
	}

	stub := echo.NewEchoClient(client.NewChannel(network.Client("watch"), client.NearestNode(reg, echo.Capability)))
	if out, err := stub.Reverse(ctx, wrapperspb.String("abc")); err != nil || out.GetValue() != "cba" {
		t.Fatalf("Reverse = %v, %v", out, err)
	}

	if err := svc.Withdraw(ctx, reg, "phone", echo.Capability); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if _, err := stub.Echo(ctx, wrapperspb.String("x")); status.Code(err) != codes.Unavailable {
		t.Fatalf("expect Unavailable after withdraw, got %v", err)
	}
}

func TestEchoOverTCP(t *testing.T) {
	svc, _ := newPhone(t, time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := transport.NewServer(svc.Handler(), nil)
	go srv.ServeListener(ln)
	defer srv.Shutdown(time.Second)

	reg := registry.NewMemoryRegistry()
	if err := svc.Advertise(context.Background(), reg, registry.Node{ID: "phone", Addr: ln.Addr().String(), Nearby: true}, 0, echo.Capability); err != nil {
		t.Fatal(err)
	}

	tcp := transport.NewTCPClient("watch", transport.AddrFunc(registry.Addrs(reg)))
	defer tcp.Close()

	stub := echo.NewEchoClient(client.NewChannel(tcp, client.NearestNode(reg, echo.Capability)))
	out, err := stub.Echo(context.Background(), wrapperspb.String("over tcp"))
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if out.GetValue() != "over tcp" {
		t.Fatalf("unexpected reply %q", out.GetValue())
	}

	_, err = stub.Reverse(context.Background(), wrapperspb.String(""))
	if status.Code(err) != codes.Unknown {
		t.Fatalf("expect Unknown for a remote handler error, got %v", err)
	}
}
