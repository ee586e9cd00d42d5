package client

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/booger/internal/plugs"
	"github.com/alfredjeanlab/booger/internal/relay"
	"github.com/alfredjeanlab/booger/internal/server"
	"github.com/alfredjeanlab/booger/internal/testkit"
)

// newTestGRPCClient serves a relay's gRPC surface over bufconn and returns a
// client connected to it.
func newTestGRPCClient(t *testing.T, serverToken, clientToken string) *GRPCClient {
	t.Helper()
	bus := plugs.NewBus(nil)
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(bus.Stop)

	conns := server.NewConns()
	r, err := relay.New(relay.Config{Store: testkit.NewMemStore(), Bus: bus, Transport: conns})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv, err := server.New(server.Options{Relay: r, Conns: conns, Bus: bus, AuthToken: serverToken, Version: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	gs := srv.NewGRPCServer()
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	c, err := NewGRPCClient("passthrough:///bufnet", clientToken,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGRPCClient_Health(t *testing.T) {
	c := newTestGRPCClient(t, "secret", "")
	got, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "SERVING" {
		t.Errorf("Health = %q, want SERVING", got)
	}
}

func TestGRPCClient_Status(t *testing.T) {
	c := newTestGRPCClient(t, "secret", "secret")
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Version != "test" {
		t.Errorf("Version = %q, want test", st.Version)
	}
	if st.Origin == "" {
		t.Error("Origin is empty")
	}
	if st.Connections != 0 {
		t.Errorf("Connections = %d, want 0", st.Connections)
	}
}

func TestGRPCClient_StatusUnauthenticated(t *testing.T) {
	c := newTestGRPCClient(t, "secret", "wrong")
	_, err := c.Status(context.Background())
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestStructToStatus(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"origin":        "ff00",
		"connections":   2,
		"subscriptions": 5,
		"uptime":        "3s",
		"plugs":         map[string]any{"stats": []any{"event"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, err := structToStatus(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Origin != "ff00" || st.Connections != 2 || st.Subscriptions != 5 || st.Uptime != "3s" {
		t.Errorf("status = %+v", st)
	}
	if got := st.Plugs["stats"]; len(got) != 1 || got[0] != "event" {
		t.Errorf("plugs[stats] = %v", got)
	}
}
