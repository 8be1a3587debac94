// Package storage runs a storage node: it contributes one DRAM segment to
// the cluster, serves it through the transfer engine and keeps it mounted
// at the master.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dramcache/dramcache/internal/master"
	"github.com/dramcache/dramcache/internal/rpc"
	"github.com/dramcache/dramcache/internal/topology"
	"github.com/dramcache/dramcache/internal/transport"
)

// Defaults.
const (
	DefaultKeepAliveInterval = 5 * time.Second
	DefaultUnmountTimeout    = 5 * time.Second
)

// Config holds storage node settings.
type Config struct {
	Name     string
	Capacity uint64
	// Location is the memory location of the segment, e.g. "cpu:0".
	Location string
	// LockMemory pins the segment in RAM.
	LockMemory        bool
	KeepAliveInterval time.Duration

	Master *rpc.Client
	Engine *transport.Engine
	// Endpoints are published with the segment so peers can reach it.
	Endpoints []topology.Endpoint
	Logger    zerolog.Logger
}

// Node owns one mounted segment.
type Node struct {
	cfg     Config
	logger  zerolog.Logger
	segment master.Segment
	buf     []byte
	release func() error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	mounted       bool
	closed        bool
	lastKeepAlive time.Time
	remounts      int
}

// Status is a point-in-time view of the node for health checks.
type Status struct {
	Node          string    `json:"node"`
	Segment       string    `json:"segment"`
	Capacity      uint64    `json:"capacity"`
	Location      string    `json:"location"`
	Mounted       bool      `json:"mounted"`
	LastKeepAlive time.Time `json:"last_keepalive,omitzero"`
	Remounts      int       `json:"remounts"`
}

// New allocates the segment memory and registers it with the engine under
// the segment ID. Start mounts it at the master.
func New(cfg Config) (*Node, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("node name is required")
	}
	if cfg.Capacity == 0 {
		return nil, fmt.Errorf("capacity is required")
	}
	if cfg.Master == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("master client and transfer engine are required")
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}

	buf, release, err := allocate(cfg.Capacity, cfg.LockMemory)
	if err != nil {
		return nil, err
	}

	id := cfg.Name + "-" + uuid.NewString()[:8]
	if _, err := cfg.Engine.RegisterMemoryAs(transport.Handle(id), buf, cfg.Location, true); err != nil {
		_ = release()
		return nil, fmt.Errorf("register segment: %w", err)
	}

	seg := master.Segment{
		ID:        id,
		NodeName:  cfg.Name,
		Capacity:  cfg.Capacity,
		Location:  cfg.Location,
		Endpoints: cfg.Endpoints,
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "storage").Str("segment", id).Logger(),
		segment: seg,
		buf:     buf,
		release: release,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Segment returns the segment as published to the master.
func (n *Node) Segment() master.Segment {
	return n.segment
}

// Bytes returns the segment memory.
func (n *Node) Bytes() []byte {
	return n.buf
}

// Status reports the mount state and keepalive progress.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		Node:          n.cfg.Name,
		Segment:       n.segment.ID,
		Capacity:      n.cfg.Capacity,
		Location:      n.cfg.Location,
		Mounted:       n.mounted && !n.closed,
		LastKeepAlive: n.lastKeepAlive,
		Remounts:      n.remounts,
	}
}

// Start mounts the segment and runs the keepalive loop until Close.
func (n *Node) Start(ctx context.Context) error {
	if err := n.mount(ctx); err != nil {
		return err
	}

	n.wg.Add(1)
	go n.runKeepAlive()

	n.logger.Info().
		Str("node", n.cfg.Name).
		Uint64("capacity", n.cfg.Capacity).
		Int("endpoints", len(n.cfg.Endpoints)).
		Dur("keepalive_interval", n.cfg.KeepAliveInterval).
		Msg("Storage node started")
	return nil
}

// mount publishes the segment. A segment the master still holds counts as
// mounted.
func (n *Node) mount(ctx context.Context) error {
	err := n.cfg.Master.MountSegment(ctx, n.segment)
	if err != nil && !errors.Is(err, master.ErrSegmentExists) {
		return fmt.Errorf("mount segment %s: %w", n.segment.ID, err)
	}
	n.mu.Lock()
	n.mounted = true
	n.mu.Unlock()
	return nil
}

func (n *Node) runKeepAlive() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.KeepAliveInterval)
	defer ticker.Stop()

	var conn *rpc.KeepAliveConn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		if conn == nil {
			var err error
			if conn, err = n.cfg.Master.DialKeepAlive(n.ctx); err != nil {
				n.logger.Warn().Err(err).Msg("keepalive connection failed")
				continue
			}
		}

		err := conn.Send(n.cfg.Name)
		switch {
		case err == nil:
			n.mu.Lock()
			n.lastKeepAlive = time.Now()
			n.mu.Unlock()
		case errors.Is(err, master.ErrNodeNotFound):
			n.logger.Warn().Msg("Master dropped this node, mounting segment again")
			n.mu.Lock()
			n.mounted = false
			n.remounts++
			n.mu.Unlock()
			if err := n.mount(n.ctx); err != nil {
				n.logger.Error().Err(err).Msg("remount failed")
			}
		default:
			n.logger.Warn().Err(err).Msg("keepalive failed")
			_ = conn.Close()
			conn = nil
		}
	}
}

// Close stops the keepalive loop, unmounts the segment and releases its
// memory. Memory is kept while a transfer still holds the segment.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	mounted := n.mounted
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()

	var errs []error
	if mounted {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultUnmountTimeout)
		err := n.cfg.Master.UnmountSegment(ctx, n.segment.ID)
		cancel()
		if err != nil && !errors.Is(err, master.ErrSegmentNotFound) {
			errs = append(errs, fmt.Errorf("unmount segment: %w", err))
		}
	}

	if err := n.cfg.Engine.UnregisterMemory(transport.Handle(n.segment.ID)); err != nil {
		errs = append(errs, fmt.Errorf("unregister segment: %w", err))
		n.logger.Warn().Err(err).Msg("Segment still in use, leaking its memory")
	} else if err := n.release(); err != nil {
		errs = append(errs, fmt.Errorf("release segment memory: %w", err))
	}

	n.logger.Info().Msg("Storage node stopped")
	return errors.Join(errs...)
}
