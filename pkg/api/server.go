package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/monitor"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultSyncInterval is how often GRPCHealth re-evaluates sanity
const DefaultSyncInterval = time.Second

// GRPCHealth serves the standard gRPC health protocol for a monitored
// resource. The serving status of both the empty service name and the
// resource name mirrors EvaluateSanity, so peers can probe this node with a
// grpc:// probe URL.
type GRPCHealth struct {
	monitor  *monitor.Monitor
	health   *grpchealth.Server
	grpc     *grpc.Server
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	serving bool
	stopCh  chan struct{}
	stopped sync.Once
}

// NewGRPCHealth creates a gRPC health server for mon. interval <= 0 uses
// DefaultSyncInterval.
func NewGRPCHealth(mon *monitor.Monitor, interval time.Duration) *GRPCHealth {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	g := &GRPCHealth{
		monitor:  mon,
		health:   grpchealth.NewServer(),
		grpc:     grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor())),
		interval: interval,
		logger:   log.WithResource("grpc", mon.Resource()),
		stopCh:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(g.grpc, g.health)
	g.Sync()
	return g
}

// Sync re-evaluates sanity and publishes the result. It returns whether the
// resource is serving.
func (g *GRPCHealth) Sync() bool {
	status := healthpb.HealthCheckResponse_SERVING
	err := g.monitor.EvaluateSanity()
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	g.mu.Lock()
	changed := g.serving != (err == nil)
	g.serving = err == nil
	g.mu.Unlock()

	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(g.monitor.Resource(), status)

	if changed {
		if err != nil {
			g.logger.Warn().Err(err).Msg("gRPC health not serving")
		} else {
			g.logger.Info().Msg("gRPC health serving")
		}
	}
	return err == nil
}

// Start listens on addr and serves until Stop is called
func (g *GRPCHealth) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	g.logger.Info().Str("addr", addr).Msg("gRPC health listening")
	return g.Serve(lis)
}

// Serve serves on lis and keeps the serving status in sync with sanity
func (g *GRPCHealth) Serve(lis net.Listener) error {
	go g.syncLoop()
	return g.grpc.Serve(lis)
}

func (g *GRPCHealth) syncLoop() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Sync()
		case <-g.stopCh:
			return
		}
	}
}

// Stop marks every service NOT_SERVING and gracefully stops the server
func (g *GRPCHealth) Stop() {
	g.stopped.Do(func() {
		close(g.stopCh)
		g.health.Shutdown()
		g.grpc.GracefulStop()
	})
}
