package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dramcache/dramcache/internal/config"
	"github.com/dramcache/dramcache/internal/master"
	"github.com/dramcache/dramcache/internal/metrics"
	"github.com/dramcache/dramcache/internal/rpc"
)

const shutdownTimeout = 10 * time.Second

func newMasterCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the master service",
		Long: `Run the master: key metadata, leases, placement and eviction, served
over HTTP on the configured listen address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfig(); err != nil {
				return err
			}
			cfg, err := config.LoadMasterConfig(cfgFile)
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
			return runMaster(ctx, cfg, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "master", "master name used as the metrics label")
	return cmd
}

func runMaster(ctx context.Context, cfg *config.MasterConfig, name string) error {
	stopShipping := startLogShipping(cfg.Loki, map[string]string{"role": "master", "master": name})
	defer stopShipping()
	tracer := startTracing(cfg.Tracing)
	defer tracer.Stop()

	svcCfg := cfg.ServiceConfig()
	svcCfg.Name = name
	svcCfg.Logger = log.Logger
	svcCfg.Metrics = metrics.InitMasterMetrics(name)

	svc := master.New(svcCfg)
	svc.Start()
	defer func() { _ = svc.Close() }()

	if cfg.Auth.Secret == "" {
		log.Warn().Msg("auth.secret not set, master API is unauthenticated")
	}
	srv := rpc.NewServer(svc, rpc.ServerConfig{
		Secret: cfg.Auth.Secret,
		Tracer: tracer,
		Logger: log.Logger,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	log.Info().
		Str("listen", ln.Addr().String()).
		Int("shards", cfg.ShardCount).
		Str("lease_ttl", cfg.LeaseTTL).
		Msg("Master listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("master shutdown incomplete")
	}
	return nil
}
