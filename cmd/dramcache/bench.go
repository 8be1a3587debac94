package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dramcache/dramcache/internal/benchmark"
	"github.com/dramcache/dramcache/internal/client"
	"github.com/dramcache/dramcache/internal/rpc"
	"github.com/dramcache/dramcache/internal/transport"
	"github.com/dramcache/dramcache/internal/transport/local"
	"github.com/dramcache/dramcache/internal/transport/tcp"
	"github.com/dramcache/dramcache/pkg/bytesize"
)

var (
	benchMaster      string
	benchToken       string
	benchSize        string
	benchSliceSize   string
	benchObjects     int
	benchConcurrency int
	benchReplicas    int
	benchCompression bool
	benchKeep        bool
	benchOutput      string
	benchTimeout     time.Duration
)

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure put and get throughput against a cluster",
		Long: `Write objects through the master's placement, read every one back and
verify it, then remove them.

Examples:
  # 64 objects of 1MiB with 4 workers
  dramcache bench --master http://master:7070

  # Larger objects, two replicas each, sliced into 256KiB transfers
  dramcache bench --master http://master:7070 --size 16Mi --replicas 2 --slice-size 256Ki

  # Save results to JSON
  dramcache bench --master http://master:7070 --output results.json`,
		RunE: runBench,
	}

	cmd.Flags().StringVar(&benchMaster, "master", "http://127.0.0.1:7070", "master base URL")
	cmd.Flags().StringVar(&benchToken, "token", "", "bearer token for the master API")
	cmd.Flags().StringVar(&benchSize, "size", "1Mi", "object size (e.g., 64Ki, 1Mi, 16Mi)")
	cmd.Flags().StringVar(&benchSliceSize, "slice-size", "", "split objects into slices of this size")
	cmd.Flags().IntVar(&benchObjects, "objects", benchmark.DefaultObjects, "number of objects")
	cmd.Flags().IntVar(&benchConcurrency, "concurrency", benchmark.DefaultConcurrency, "parallel operations")
	cmd.Flags().IntVar(&benchReplicas, "replicas", client.DefaultReplicaCount, "replicas per object")
	cmd.Flags().BoolVar(&benchCompression, "compression", false, "compress TCP payloads")
	cmd.Flags().BoolVar(&benchKeep, "keep", false, "leave objects in the cache")
	cmd.Flags().StringVarP(&benchOutput, "output", "o", "", "JSON output file path")
	cmd.Flags().DurationVar(&benchTimeout, "timeout", benchmark.DefaultTimeout, "benchmark timeout")

	return cmd
}

func runBench(cmd *cobra.Command, _ []string) error {
	size, err := bytesize.Parse(benchSize)
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	var sliceSize uint64
	if benchSliceSize != "" {
		if sliceSize, err = bytesize.Parse(benchSliceSize); err != nil {
			return fmt.Errorf("invalid slice size: %w", err)
		}
	}

	cfg := benchmark.Config{
		ObjectSize:   size,
		Objects:      benchObjects,
		Concurrency:  benchConcurrency,
		ReplicaCount: benchReplicas,
		SliceSize:    int(sliceSize),
		KeyPrefix:    "bench-" + uuid.NewString()[:8],
		Timeout:      benchTimeout,
		Keep:         benchKeep,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	engine, err := newClientEngine(benchCompression)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	cl, err := client.New(client.Config{
		Master:   rpc.NewClient(benchMaster, benchToken),
		Engine:   engine,
		Location: "cpu:0",
		Logger:   log.Logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Benchmark: %s\n", benchMaster)
	fmt.Fprintf(out, "  Objects:     %d x %s\n", cfg.Objects, bytesize.Format(cfg.ObjectSize))
	fmt.Fprintf(out, "  Replicas:    %d\n", cfg.ReplicaCount)
	fmt.Fprintf(out, "  Concurrency: %d\n", cfg.Concurrency)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Running benchmark...")

	ctx, cancel := signalContext()
	defer cancel()

	result, err := benchmark.Run(ctx, cl, cfg)
	if err != nil {
		return fmt.Errorf("benchmark failed: %w", err)
	}
	printBenchResult(out, result)

	if benchOutput != "" {
		if err := writeBenchJSON(result, benchOutput); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Fprintf(out, "\nResults saved to: %s\n", benchOutput)
	}
	if !result.Success {
		return fmt.Errorf("benchmark had failures")
	}
	return nil
}

// newClientEngine builds a transfer engine that only dials out.
func newClientEngine(compression bool) (*transport.Engine, error) {
	reg := transport.NewRegistry(transport.RegistryConfig{
		DefaultOrder: []transport.BackendType{transport.BackendLocal, transport.BackendTCP},
	})
	if err := reg.Register(local.New()); err != nil {
		return nil, err
	}
	tb, err := tcp.New(tcp.Config{Compression: compression, Logger: log.Logger})
	if err != nil {
		return nil, err
	}
	if err := reg.Register(tb); err != nil {
		return nil, err
	}
	return transport.NewEngine(transport.Config{
		NodeName: "bench-" + uuid.NewString()[:8],
		Registry: reg,
		Logger:   log.Logger,
	})
}

func printBenchResult(w io.Writer, r *benchmark.Result) {
	fmt.Fprintln(w)
	if r.Success {
		fmt.Fprintln(w, "=== Benchmark Results ===")
	} else {
		fmt.Fprintln(w, "=== Benchmark Completed With Failures ===")
	}
	printPhase(w, "Put", r.Put)
	printPhase(w, "Get", r.Get)
	if r.Mismatches > 0 {
		fmt.Fprintf(w, "\n  Mismatched objects: %d\n", r.Mismatches)
	}
}

func printPhase(w io.Writer, name string, p benchmark.Phase) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s:\n", name)
	fmt.Fprintf(w, "    Operations: %d (%d failed)\n", p.Operations, p.Failed)
	fmt.Fprintf(w, "    Duration:   %d ms\n", p.DurationMs)
	fmt.Fprintf(w, "    Throughput: %s/s (%.1f ops/s)\n", bytesize.Format(uint64(p.ThroughputBps)), p.OpsPerSecond)
	fmt.Fprintf(w, "    Latency:    min %.2f / avg %.2f / p50 %.2f / p99 %.2f / max %.2f ms\n",
		p.Latency.MinMs, p.Latency.AvgMs, p.Latency.P50Ms, p.Latency.P99Ms, p.Latency.MaxMs)
	if p.FirstError != "" {
		fmt.Fprintf(w, "    First error: %s\n", p.FirstError)
	}
}

func writeBenchJSON(r *benchmark.Result, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
