// Package benchmark measures put and get throughput and latency against a
// running cache.
package benchmark

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dramcache/dramcache/internal/client"
)

// Defaults.
const (
	DefaultObjectSize  = 1 << 20
	DefaultObjects     = 64
	DefaultConcurrency = 4
	DefaultKeyPrefix   = "bench"
	DefaultTimeout     = 5 * time.Minute
)

// ErrMismatch is returned for an object whose bytes differ from what was put.
var ErrMismatch = errors.New("object content mismatch")

// Store is the object API under test.
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts client.PutOptions) error
	Get(ctx context.Context, key string, buf []byte) (int, error)
	Remove(ctx context.Context, key string) error
}

// Config describes one benchmark run.
type Config struct {
	ObjectSize   uint64        `json:"object_size"`
	Objects      int           `json:"objects"`
	Concurrency  int           `json:"concurrency"`
	ReplicaCount int           `json:"replica_count"`
	SliceSize    int           `json:"slice_size,omitempty"`
	KeyPrefix    string        `json:"key_prefix"`
	Timeout      time.Duration `json:"-"`
	// Keep leaves the objects in the cache after the run.
	Keep bool `json:"keep,omitempty"`
}

// Validate fills defaults and checks limits.
func (c *Config) Validate() error {
	if c.ObjectSize == 0 {
		c.ObjectSize = DefaultObjectSize
	}
	if c.Objects == 0 {
		c.Objects = DefaultObjects
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ReplicaCount == 0 {
		c.ReplicaCount = client.DefaultReplicaCount
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}

	if c.Objects < 0 {
		return fmt.Errorf("objects must be positive")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	c.Concurrency = min(c.Concurrency, c.Objects)
	if c.ReplicaCount < 0 {
		return fmt.Errorf("replica count must be positive")
	}
	if c.SliceSize < 0 {
		return fmt.Errorf("slice size must not be negative")
	}
	if c.ObjectSize > 1<<32 {
		return fmt.Errorf("object size %d exceeds 4GiB", c.ObjectSize)
	}
	return nil
}

// Latency summarizes per-operation latencies in milliseconds.
type Latency struct {
	MinMs float64 `json:"min_ms"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P99Ms float64 `json:"p99_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Phase holds the results of the put or get pass.
type Phase struct {
	Operations    int     `json:"operations"`
	Failed        int     `json:"failed"`
	Bytes         uint64  `json:"bytes"`
	DurationMs    int64   `json:"duration_ms"`
	ThroughputBps float64 `json:"throughput_bps"`
	OpsPerSecond  float64 `json:"ops_per_second"`
	Latency       Latency `json:"latency"`
	FirstError    string  `json:"first_error,omitempty"`
}

// Result is the outcome of a run.
type Result struct {
	Config     Config    `json:"config"`
	StartedAt  time.Time `json:"started_at"`
	Put        Phase     `json:"put"`
	Get        Phase     `json:"get"`
	Mismatches int       `json:"mismatches"`
	Success    bool      `json:"success"`
}

// Run puts cfg.Objects objects, reads each back and verifies it, then
// removes them unless cfg.Keep is set.
func Run(ctx context.Context, store Store, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	res := &Result{Config: cfg, StartedAt: time.Now()}
	opts := client.PutOptions{ReplicaCount: cfg.ReplicaCount, SliceSize: cfg.SliceSize}

	put := newRecorder(cfg.Objects)
	put.run(ctx, cfg, func(ctx context.Context, i int, buf []byte) (uint64, error) {
		fill(buf, i)
		if err := store.Put(ctx, key(cfg, i), buf, opts); err != nil {
			return 0, err
		}
		return uint64(len(buf)), nil
	})
	res.Put = put.phase()

	var mu sync.Mutex
	get := newRecorder(cfg.Objects)
	get.run(ctx, cfg, func(ctx context.Context, i int, buf []byte) (uint64, error) {
		if !put.ok(i) {
			return 0, errSkipped
		}
		n, err := store.Get(ctx, key(cfg, i), buf)
		if err != nil {
			return 0, err
		}
		if !verify(buf[:n], i, cfg.ObjectSize) {
			mu.Lock()
			res.Mismatches++
			mu.Unlock()
			return 0, fmt.Errorf("%s: %w", key(cfg, i), ErrMismatch)
		}
		return uint64(n), nil
	})
	res.Get = get.phase()

	if !cfg.Keep {
		cleanup(store, cfg, put)
	}

	res.Success = res.Put.Failed == 0 && res.Get.Failed == 0
	log.Debug().
		Int("objects", cfg.Objects).
		Int("put_failed", res.Put.Failed).
		Int("get_failed", res.Get.Failed).
		Int("mismatches", res.Mismatches).
		Msg("benchmark finished")
	return res, nil
}

var errSkipped = errors.New("put failed, skipped")

func key(cfg Config, i int) string {
	return fmt.Sprintf("%s/%d", cfg.KeyPrefix, i)
}

// fill writes the deterministic payload of object i.
func fill(buf []byte, i int) {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(i))
	rng := rand.NewChaCha8(seed)
	_, _ = rng.Read(buf)
}

func verify(got []byte, i int, size uint64) bool {
	if uint64(len(got)) != size {
		return false
	}
	want := make([]byte, size)
	fill(want, i)
	return slices.Equal(got, want)
}

func cleanup(store Store, cfg Config, put *recorder) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := range cfg.Objects {
		if !put.ok(i) {
			continue
		}
		g.Go(func() error {
			if err := store.Remove(ctx, key(cfg, i)); err != nil {
				log.Debug().Err(err).Str("key", key(cfg, i)).Msg("benchmark cleanup failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// recorder runs one pass and collects per-operation outcomes.
type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	succeeded []bool
	bytes     uint64
	failed    int
	firstErr  error
	elapsed   time.Duration
}

func newRecorder(n int) *recorder {
	return &recorder{
		latencies: make([]time.Duration, 0, n),
		succeeded: make([]bool, n),
	}
}

// run calls op for every object with at most cfg.Concurrency in flight.
// Each worker owns one object-sized buffer.
func (r *recorder) run(ctx context.Context, cfg Config, op func(ctx context.Context, i int, buf []byte) (uint64, error)) {
	next := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()
	for range cfg.Concurrency {
		wg.Go(func() {
			buf := make([]byte, cfg.ObjectSize)
			for i := range next {
				opStart := time.Now()
				n, err := op(ctx, i, buf)
				r.record(i, n, time.Since(opStart), err)
			}
		})
	}
	for i := range cfg.Objects {
		next <- i
	}
	close(next)
	wg.Wait()
	r.elapsed = time.Since(start)
}

func (r *recorder) record(i int, n uint64, d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed++
		if r.firstErr == nil {
			r.firstErr = err
		}
		return
	}
	r.succeeded[i] = true
	r.bytes += n
	r.latencies = append(r.latencies, d)
}

func (r *recorder) ok(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.succeeded[i]
}

func (r *recorder) phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := Phase{
		Operations: len(r.latencies) + r.failed,
		Failed:     r.failed,
		Bytes:      r.bytes,
		DurationMs: r.elapsed.Milliseconds(),
		Latency:    summarize(r.latencies),
	}
	if r.firstErr != nil {
		p.FirstError = r.firstErr.Error()
	}
	if secs := r.elapsed.Seconds(); secs > 0 {
		p.ThroughputBps = float64(r.bytes) / secs
		p.OpsPerSecond = float64(len(r.latencies)) / secs
	}
	return p
}

func summarize(ds []time.Duration) Latency {
	if len(ds) == 0 {
		return Latency{}
	}
	sorted := slices.Clone(ds)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return Latency{
		MinMs: ms(sorted[0]),
		AvgMs: ms(total / time.Duration(len(sorted))),
		P50Ms: ms(pct(0.50)),
		P99Ms: ms(pct(0.99)),
		MaxMs: ms(sorted[len(sorted)-1]),
	}
}
