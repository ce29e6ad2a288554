package health

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker queries a peer through the standard gRPC health protocol
type GRPCChecker struct {
	// Address is the dial target (e.g., "10.0.0.7:9090")
	Address string

	// Service is the health service name; empty asks about the whole server
	Service string

	// Timeout bounds a single Check call (default: 5 seconds)
	Timeout time.Duration

	// DialOptions replace the default insecure transport credentials
	DialOptions []grpc.DialOption
}

// NewGRPCChecker creates a new gRPC health checker
func NewGRPCChecker(address, service string) *GRPCChecker {
	return &GRPCChecker{
		Address: address,
		Service: service,
		Timeout: DefaultCheckTimeout,
	}
}

// Check performs the gRPC health check
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	opts := g.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conn, err := grpc.NewClient(g.Address, opts...)
	if err != nil {
		return failed(start, "failed to create client: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return failed(start, "health rpc failed: %v", err)
	}

	if status := resp.GetStatus(); status != healthpb.HealthCheckResponse_SERVING {
		return failed(start, "gRPC %s", status)
	}
	return passed(start, "gRPC SERVING")
}

// Type returns the health check type
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}

// WithDialOptions sets the options used to dial the peer
func (g *GRPCChecker) WithDialOptions(opts ...grpc.DialOption) *GRPCChecker {
	g.DialOptions = opts
	return g
}

// WithTimeout sets the per-check timeout
func (g *GRPCChecker) WithTimeout(timeout time.Duration) *GRPCChecker {
	g.Timeout = timeout
	return g
}
