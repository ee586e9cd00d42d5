package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/booger/internal/server"
)

// GRPCClient implements AdminClient over the gRPC health and admin services.
type GRPCClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	token  string
}

// NewGRPCClient connects to the given gRPC address. Extra dial options are
// appended after the insecure transport credentials.
func NewGRPCClient(addr, token string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &GRPCClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		token:  token,
	}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) Health(ctx context.Context) (string, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus().String(), nil
}

func (c *GRPCClient) Status(ctx context.Context) (*server.Status, error) {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, server.AdminStatusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("admin status: %w", err)
	}
	return structToStatus(out)
}

// structToStatus decodes the admin Struct through its JSON form.
func structToStatus(s *structpb.Struct) (*server.Status, error) {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("encoding status: %w", err)
	}
	var st server.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}
