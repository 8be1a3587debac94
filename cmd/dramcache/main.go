// dramcache runs the master and storage nodes of a distributed DRAM
// key-value cache.
package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dramcache/dramcache/internal/config"
	"github.com/dramcache/dramcache/internal/logging/loki"
	"github.com/dramcache/dramcache/internal/tracing"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dramcache",
		Short: "dramcache - distributed DRAM key-value cache",
		Long: `dramcache pools DRAM from storage nodes into one key-value cache.

A master tracks keys, leases and segment space. Storage nodes contribute
memory and serve it over RDMA or TCP. Clients write and read object bytes
directly to and from storage nodes.

Examples:
  # Start the master
  dramcache master -c master.yaml

  # Contribute memory from a storage node
  dramcache node -c node.yaml

  # Issue a token for nodes when the master has auth.secret set
  dramcache token --secret "$SECRET" --subject node-a`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newMasterCmd())
	rootCmd.AddCommand(newNodeCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newBenchCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dramcache %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// startLogShipping adds a Loki output to the global logger when configured.
// Components must take log.Logger after this call.
func startLogShipping(cfg config.LokiConfig, labels map[string]string) (stop func()) {
	if cfg.URL == "" {
		return func() {}
	}
	merged := map[string]string{"version": Version}
	maps.Copy(merged, cfg.Labels)
	maps.Copy(merged, labels)

	w := loki.NewWriter(loki.Config{
		URL:           cfg.URL,
		Labels:        merged,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.Interval(),
	})
	w.Start()

	log.Logger = log.Output(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr},
		w,
	))
	log.Info().Str("url", cfg.URL).Msg("Loki log shipping enabled")
	return w.Stop
}

// startTracing returns a running recorder, or nil when tracing is off or
// cannot start.
func startTracing(cfg config.TracingConfig) *tracing.Recorder {
	if !cfg.Enabled {
		return nil
	}
	r, err := tracing.Start(cfg.BufferSize.Bytes())
	if err != nil {
		log.Warn().Err(err).Msg("failed to start runtime tracing")
		return nil
	}
	log.Info().Msg("runtime tracing enabled at /debug/trace")
	return r
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func requireConfig() error {
	if cfgFile == "" {
		return fmt.Errorf("config file required (--config)")
	}
	return nil
}
