// Package client talks to a running relay's admin surfaces, over HTTP/JSON
// or gRPC.
package client

import (
	"context"

	"github.com/alfredjeanlab/booger/internal/server"
)

// AdminClient is implemented by HTTPClient and GRPCClient.
type AdminClient interface {
	// Health returns the reported health, "ok" or "SERVING" when healthy.
	Health(ctx context.Context) (string, error)
	// Status returns the relay's current status. It requires the admin
	// token when the relay has one.
	Status(ctx context.Context) (*server.Status, error)
	Close() error
}

var (
	_ AdminClient = (*HTTPClient)(nil)
	_ AdminClient = (*GRPCClient)(nil)
)
