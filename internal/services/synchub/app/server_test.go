package app

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/louisbranch/cacheline/internal/services/cache/synchronizer"
	"github.com/louisbranch/cacheline/internal/services/cache/transport/ws"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func startServer(t *testing.T) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	server, err := New(RuntimeConfig{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0", Logf: t.Logf})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx)
	}()
	t.Cleanup(cancel)
	return server, cancel, serveErr
}

func waitStopped(t *testing.T, serveErr <-chan error) {
	t.Helper()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

func port(t *testing.T, addr net.Addr) string {
	t.Helper()
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		t.Fatalf("addr %v is not tcp", addr)
	}
	return strconv.Itoa(tcp.Port)
}

func TestHealthCheckReportsServing(t *testing.T) {
	server, cancel, serveErr := startServer(t)

	conn, err := grpc.NewClient(
		"127.0.0.1:"+port(t, server.GRPCAddr()),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	)
	if err != nil {
		t.Fatalf("dial health: %v", err)
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	for _, service := range []string{"", HealthService} {
		callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		callCancel()
		if err != nil {
			t.Fatalf("health check %q: %v", service, err)
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Fatalf("health check %q = %v, want SERVING", service, resp.GetStatus())
		}
	}

	cancel()
	waitStopped(t, serveErr)
}

func TestUpEndpoint(t *testing.T) {
	server, cancel, serveErr := startServer(t)

	resp, err := http.Get("http://127.0.0.1:" + port(t, server.HTTPAddr()) + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/up status = %d", resp.StatusCode)
	}

	cancel()
	waitStopped(t, serveErr)
}

func TestRelaysBetweenPeers(t *testing.T) {
	server, cancel, serveErr := startServer(t)
	hubURL := "ws://127.0.0.1:" + port(t, server.HTTPAddr())

	newPeer := func(peer string) *synchronizer.Synchronizer {
		client, err := ws.Dial(hubURL, peer, ws.ClientOptions{ReconnectDelay: 10 * time.Millisecond, Logf: t.Logf})
		if err != nil {
			t.Fatalf("dial %s: %v", peer, err)
		}
		s, err := synchronizer.New(client, synchronizer.Options{PeerID: peer, Logf: t.Logf})
		if err != nil {
			t.Fatalf("new synchronizer: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	a := newPeer("a")
	b := newPeer("b")
	got := make(chan synchronizer.Event, 1)
	b.OnEvent(func(_ context.Context, event synchronizer.Event) { got <- event })

	ctx := context.Background()
	for _, s := range []*synchronizer.Synchronizer{b, a} {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for !server.Hub().Connected("b") {
		if time.Now().After(deadline) {
			t.Fatal("b never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Publish(ctx, synchronizer.Event{Kind: synchronizer.KindInvalidate, Namespace: "users", Key: "7"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case event := <-got:
		if event.Key != "7" || event.Origin != "a" {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event not relayed")
	}

	cancel()
	waitStopped(t, serveErr)
}

func TestNewFailsOnBusyAddr(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	if _, err := New(RuntimeConfig{HTTPAddr: listener.Addr().String(), GRPCAddr: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected error for busy http addr")
	}
}
