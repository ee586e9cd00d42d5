package server

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func dialGRPC(t *testing.T, h *harness) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := h.srv.NewGRPCServer()
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCHealth(t *testing.T) {
	h := newHarness(t, "secret")
	client := healthpb.NewHealthClient(dialGRPC(t, h))

	for _, service := range []string{"", AdminServiceName} {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("expected SERVING for %q, got %v", service, resp.GetStatus())
		}
	}
}

func TestGRPCAdminStatus(t *testing.T) {
	h := newHarness(t, "secret")
	conn := dialGRPC(t, h)

	out := new(structpb.Struct)
	err := conn.Invoke(context.Background(), AdminStatusMethod, &emptypb.Empty{}, out)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer secret")
	if err := conn.Invoke(ctx, AdminStatusMethod, &emptypb.Empty{}, out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fields := out.AsMap()
	if fields["origin"] != h.relay.Origin() {
		t.Fatalf("expected origin %s, got %v", h.relay.Origin(), fields["origin"])
	}
	if fields["connections"] != float64(0) {
		t.Fatalf("expected 0 connections, got %v", fields["connections"])
	}
	plugs, _ := fields["plugs"].(map[string]any)
	if gate, _ := plugs["gate"].([]any); len(gate) != 1 || gate[0] != "connect" {
		t.Fatalf("unexpected plugs %v", fields["plugs"])
	}
}

func TestGRPCHealthAfterShutdown(t *testing.T) {
	h := newHarness(t, "")
	client := healthpb.NewHealthClient(dialGRPC(t, h))
	h.srv.Shutdown()

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}
