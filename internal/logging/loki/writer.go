// Package loki provides a zerolog writer that ships log lines to Grafana
// Loki in batches.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultJob           = "dramcache"

	pushPath = "/loki/api/v1/push"
)

// Config holds Loki writer settings.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static stream labels
	BatchSize     int               // Entries per push
	FlushInterval time.Duration
	Timeout       time.Duration // HTTP timeout per push
	// MaxBuffered caps queued entries while Loki is unreachable; the
	// oldest are dropped first. Default: 10 batches.
	MaxBuffered int
}

type entry struct {
	ts   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Writer implements io.Writer. Write never fails so logging keeps working
// while Loki is down.
type Writer struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	pending []entry
	labels  map[string]string

	flushMu sync.Mutex
	kick    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pushed  atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// NewWriter creates a writer. Call Start to begin shipping.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 10 * cfg.BatchSize
	}
	labels := map[string]string{"job": DefaultJob}
	maps.Copy(labels, cfg.Labels)

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		pending: make([]entry, 0, cfg.BatchSize),
		labels:  labels,
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Write queues one log line.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.pending) >= w.cfg.MaxBuffered {
		w.pending = w.pending[1:]
		w.dropped.Add(1)
	}
	w.pending = append(w.pending, entry{ts: time.Now(), line: line})
	full := len(w.pending) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start runs the background flush loop.
func (w *Writer) Start() {
	w.wg.Go(func() {
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
			case <-w.kick:
			}
			w.Flush()
		}
	})
}

// Stop ends the flush loop and pushes what is left.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.Flush()
}

// Flush pushes queued entries in batches. Entries of a failed push are
// dropped.
func (w *Writer) Flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	for {
		w.mu.Lock()
		n := min(len(w.pending), w.cfg.BatchSize)
		if n == 0 {
			w.mu.Unlock()
			return
		}
		batch := make([]entry, n)
		copy(batch, w.pending)
		w.pending = w.pending[n:]
		labels := maps.Clone(w.labels)
		w.mu.Unlock()

		if err := w.push(labels, batch); err != nil {
			if w.errors.Add(1) <= 3 {
				// Not through zerolog: this writer is one of its outputs.
				fmt.Fprintf(os.Stderr, "loki: %v\n", err)
			}
			w.dropped.Add(uint64(len(batch)))
			return
		}
		w.pushed.Add(uint64(len(batch)))
	}
}

func (w *Writer) push(labels map[string]string, batch []entry) error {
	values := make([][2]string, len(batch))
	for i, e := range batch {
		values[i] = [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}
	body, err := json.Marshal(pushRequest{Streams: []stream{{Stream: labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: status %d", resp.StatusCode)
	}
	return nil
}

// SetLabels merges labels into the stream labels of later pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	maps.Copy(w.labels, labels)
}

// Stats returns the pushed, dropped and failed-push counts.
func (w *Writer) Stats() (pushed, dropped, failures uint64) {
	return w.pushed.Load(), w.dropped.Load(), w.errors.Load()
}
