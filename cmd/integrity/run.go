package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/integrity/pkg/api"
	"github.com/cuemby/integrity/pkg/config"
	"github.com/cuemby/integrity/pkg/events"
	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/metrics"
	"github.com/cuemby/integrity/pkg/monitor"
	"github.com/cuemby/integrity/pkg/tracing"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the integrity monitor for this node",
	Long: `Run the integrity monitor for the resource named in the config file.

The node opens the record store, registers itself, starts its monitor loop
and serves its HTTP API (and, when grpc.addr is set, the gRPC health
protocol) until interrupted.

With store.backend=etcd every node reads and writes the same records in
etcd, which is what the audit and passive dependency checks need. The
default bolt backend is a local file that only one process can open.

Examples:
  integrity run --config /etc/integrity/pdp.properties
  INTEGRITY_STORE_BACKEND=etcd INTEGRITY_STORE_ETCD_ENDPOINTS=10.0.0.1:2379 \
    integrity run --config pdp.properties`,
	RunE: runNode,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Path to the properties file")
}

func runNode(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(cfg.LogConfig())
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	shutdownTracing, err := tracing.Setup(cfg.TracingEnabled)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %v", err)
	}

	store, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, cfg.StoreBackend)

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	go logEvents(sub)

	monCfg := cfg.MonitorConfig()
	registry := monitor.NewRegistry(store, monitor.Options{Broker: broker})
	mon, err := registry.GetInstance(monCfg)
	if err != nil {
		broker.Stop()
		store.Close()
		return fmt.Errorf("failed to start monitor: %v", err)
	}

	collector := metrics.NewCollector(store, 0, monCfg.StaleAfter())
	collector.Start()

	errCh := make(chan error, 2)
	httpServer := api.NewHealthServer(mon)
	go func() {
		if err := httpServer.Start(cfg.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %v", err)
		}
	}()

	var grpcServer *api.GRPCHealth
	if cfg.GRPCAddr != "" {
		grpcServer = api.NewGRPCHealth(mon, monCfg.CycleInterval)
		go func() {
			if err := grpcServer.Start(cfg.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %v", err)
			}
		}()
	}

	logger.Info().
		Str("resource", monCfg.ResourceName).
		Str("site", monCfg.Site).
		Str("node_type", monCfg.NodeType).
		Str("store", cfg.StoreBackend).
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Msg("Integrity node running")

	// Wait for interrupt signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("Server failed, shutting down")
	}

	// Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Stop()
	}
	if shutdownErr := httpServer.Shutdown(ctx); shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("HTTP shutdown incomplete")
	}
	registry.Close()
	collector.Stop()
	broker.Unsubscribe(sub)
	broker.Stop()
	if shutdownErr := shutdownTracing(ctx); shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("Tracing shutdown incomplete")
	}
	if closeErr := store.Close(); closeErr != nil {
		return fmt.Errorf("failed to close store: %v", closeErr)
	}

	logger.Info().Msg("Shutdown complete")
	return err
}

// logEvents writes every published event to the log until sub is closed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		level := zerolog.InfoLevel
		switch ev.Type {
		case events.EventStateViolation, events.EventDependencyFailed, events.EventAuditDisabled, events.EventHealthReportNotWell:
			level = zerolog.WarnLevel
		}
		entry := logger.WithLevel(level).Str("event", string(ev.Type)).Str("resource", ev.Resource).Str("id", ev.ID)
		for k, v := range ev.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Msg(ev.Message)
	}
}
