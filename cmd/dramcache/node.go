package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dramcache/dramcache/internal/admin"
	"github.com/dramcache/dramcache/internal/config"
	"github.com/dramcache/dramcache/internal/metrics"
	"github.com/dramcache/dramcache/internal/rpc"
	"github.com/dramcache/dramcache/internal/storage"
	"github.com/dramcache/dramcache/internal/topology"
	"github.com/dramcache/dramcache/internal/transport"
	"github.com/dramcache/dramcache/internal/transport/local"
	"github.com/dramcache/dramcache/internal/transport/rdma"
	"github.com/dramcache/dramcache/internal/transport/tcp"
)

func newNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Run a storage node",
		Long: `Run a storage node: allocate the configured capacity, mount it at the
master as one segment and serve it to clients until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfig(); err != nil {
				return err
			}
			cfg, err := config.LoadNodeConfig(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if !cmd.Flags().Changed("log-level") {
				config.ApplyLogLevel(cfg.LogLevel)
			}

			ctx, cancel := signalContext()
			defer cancel()
			return runNode(ctx, cfg)
		},
	}
}

func runNode(ctx context.Context, cfg *config.NodeConfig) error {
	stopShipping := startLogShipping(cfg.Loki, map[string]string{"role": "node", "node": cfg.Name})
	defer stopShipping()
	tracer := startTracing(cfg.Tracing)
	defer tracer.Stop()

	matrix, err := loadMatrix(cfg.Topology)
	if err != nil {
		return err
	}

	engine, endpoints, err := buildEngine(cfg, matrix)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	node, err := storage.New(storage.Config{
		Name:              cfg.Name,
		Capacity:          cfg.Capacity.Bytes(),
		Location:          cfg.Topology.Location,
		LockMemory:        cfg.LockMemory,
		KeepAliveInterval: cfg.KeepAlive(),
		Master:            rpc.NewClient(cfg.Master, cfg.Auth.Token),
		Engine:            engine,
		Endpoints:         endpoints,
		Logger:            log.Logger,
	})
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		_ = node.Close()
		return err
	}

	if cfg.AdminListen != "" {
		adm := admin.New(admin.Config{Status: node.Status, Tracer: tracer, Logger: log.Logger})
		if err := adm.Start(cfg.AdminListen); err != nil {
			_ = node.Close()
			return fmt.Errorf("start admin server: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = adm.Stop(stopCtx)
		}()
	}

	log.Info().
		Str("node", cfg.Name).
		Str("segment", node.Segment().ID).
		Stringer("capacity", cfg.Capacity).
		Int("endpoints", len(endpoints)).
		Msg("Storage node serving")

	<-ctx.Done()
	return node.Close()
}

// loadMatrix reads the NIC preference matrix from file, or discovers it
// from the host when no file is configured.
func loadMatrix(cfg config.TopologyConfig) (topology.Matrix, error) {
	if cfg.File != "" {
		m, err := topology.LoadMatrix(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("load topology: %w", err)
		}
		return m, nil
	}
	nics, devices, err := topology.Discover()
	if err != nil {
		log.Warn().Err(err).Msg("topology discovery failed, routing without a NIC matrix")
		return nil, nil
	}
	return topology.BuildMatrix(nics, devices), nil
}

// newRegistry creates a backend registry with the configured default order
// and per-peer overrides.
func newRegistry(cfg *config.NodeConfig) *transport.Registry {
	reg := transport.NewRegistry(transport.RegistryConfig{DefaultOrder: cfg.BackendOrder()})
	for node, nc := range cfg.NodeBackends() {
		reg.SetNodeConfig(node, nc)
	}
	return reg
}

// buildEngine registers the configured backends and returns the engine and
// the endpoints to publish with the segment.
func buildEngine(cfg *config.NodeConfig, matrix topology.Matrix) (*transport.Engine, []topology.Endpoint, error) {
	reg := newRegistry(cfg)
	fail := func(err error) (*transport.Engine, []topology.Endpoint, error) {
		_ = reg.Close()
		return nil, nil, err
	}
	if err := reg.Register(local.New()); err != nil {
		return fail(err)
	}

	var endpoints []topology.Endpoint
	if cfg.Transport.RDMA.Enabled {
		fabric := rdma.NewFabric(rdma.FabricConfig{MaxRegions: cfg.Transport.RDMA.MaxRegions})
		devices := make([]rdma.Device, 0, len(cfg.Transport.RDMA.Devices))
		closeDevices := func() {
			for _, d := range devices {
				_ = d.Close()
			}
		}
		for _, d := range cfg.Transport.RDMA.Devices {
			dev, err := fabric.Open(d.Name, d.Address)
			if err != nil {
				closeDevices()
				return fail(fmt.Errorf("open rdma device %s: %w", d.Name, err))
			}
			devices = append(devices, dev)
		}
		rb, err := rdma.New(rdma.Config{Devices: devices, Logger: log.Logger})
		if err != nil {
			closeDevices()
			return fail(err)
		}
		if err := reg.Register(rb); err != nil {
			return fail(err)
		}
		endpoints = append(endpoints, rb.Endpoints(nicLocation(matrix, cfg.Topology.Location))...)
	}

	if cfg.Transport.TCP.IsEnabled() {
		tb, err := tcp.New(tcp.Config{
			Listen:      cfg.Transport.TCP.Listen,
			Advertise:   cfg.Transport.TCP.Advertise,
			Compression: cfg.Transport.TCP.Compression,
			ChunkSize:   int(cfg.Transport.TCP.ChunkSize.Bytes()),
			Logger:      log.Logger,
		})
		if err != nil {
			return fail(err)
		}
		if err := reg.Register(tb); err != nil {
			return fail(err)
		}
		endpoints = append(endpoints, tb.Endpoint(cfg.Topology.Location))
	}

	engine, err := transport.NewEngine(transport.Config{
		NodeName: cfg.Name,
		Resolver: topology.NewResolver(cfg.Name, matrix),
		Registry: reg,
		Logger:   log.Logger,
		Metrics:  metrics.InitTransferMetrics(cfg.Name),
	})
	if err != nil {
		return fail(err)
	}
	return engine, endpoints, nil
}

// nicLocation maps a NIC to the first location that prefers it, falling
// back to def.
func nicLocation(m topology.Matrix, def string) func(nic string) string {
	return func(nic string) string {
		for _, loc := range m.Locations() {
			if slices.Contains(m[loc].Preferred, nic) {
				return loc
			}
		}
		return def
	}
}
