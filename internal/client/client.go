// Package client is the object facade over the master and the transfer
// engine: Put writes every replica before committing, Get reads from the
// first replica that answers.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dramcache/dramcache/internal/master"
	"github.com/dramcache/dramcache/internal/metadata"
	"github.com/dramcache/dramcache/internal/topology"
	"github.com/dramcache/dramcache/internal/transport"
)

// Defaults.
const (
	DefaultReplicaCount    = 1
	DefaultTransferTimeout = 10 * time.Second
)

// Client error types.
var (
	ErrBufferTooSmall = errors.New("buffer too small for object")
	ErrNoReplica      = errors.New("no replica could be read")
	ErrEmptyObject    = errors.New("empty object")
)

// Master is the subset of the master API the client uses.
type Master interface {
	PutStart(ctx context.Context, key string, sliceLengths []uint64, cfg master.ReplicateConfig) ([]metadata.Replica, error)
	PutEnd(ctx context.Context, key string, replicaType metadata.ReplicaType) error
	PutRevoke(ctx context.Context, key string) error
	GetReplicaList(ctx context.Context, key, requester string) ([]metadata.Replica, error)
	ExistKey(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	ListSegments(ctx context.Context) ([]master.SegmentStatus, error)
}

// Config holds object client settings.
type Config struct {
	Master Master
	Engine *transport.Engine
	// Location of the caller's buffers, e.g. "cpu:0".
	Location        string
	TransferTimeout time.Duration
	Logger          zerolog.Logger
}

// PutOptions controls one Put.
type PutOptions struct {
	ReplicaCount int
	SoftPin      bool
	// SliceSize splits the object into slices of at most this many bytes.
	// Zero writes it as one slice.
	SliceSize int
}

// Client reads and writes objects.
type Client struct {
	cfg    Config
	master Master
	engine *transport.Engine
	logger zerolog.Logger

	// refreshMu serializes segment directory refreshes and guards remotes,
	// the segments registered with the engine by the last refresh.
	refreshMu sync.Mutex
	remotes   map[transport.Handle]struct{}
}

// New creates an object client.
func New(cfg Config) (*Client, error) {
	if cfg.Master == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("master and transfer engine are required")
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	return &Client{
		cfg:     cfg,
		master:  cfg.Master,
		engine:  cfg.Engine,
		logger:  cfg.Logger.With().Str("component", "client").Logger(),
		remotes: make(map[transport.Handle]struct{}),
	}, nil
}

// Put stores data under key. The object is committed only after every
// replica has been written; on any failure the reservation is revoked.
func (c *Client) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if len(data) == 0 {
		return ErrEmptyObject
	}
	if opts.ReplicaCount <= 0 {
		opts.ReplicaCount = DefaultReplicaCount
	}
	slices := sliceLengths(len(data), opts.SliceSize)

	replicas, err := c.master.PutStart(ctx, key, slices, master.ReplicateConfig{
		ReplicaCount:  opts.ReplicaCount,
		SoftPin:       opts.SoftPin,
		PreferredNode: c.engine.NodeName(),
	})
	if err != nil {
		return fmt.Errorf("put start %q: %w", key, err)
	}

	if err := c.writeReplicas(ctx, data, slices, replicas); err != nil {
		// The revoke must go out even when ctx is what failed the write.
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TransferTimeout)
		defer cancel()
		if rerr := c.master.PutRevoke(revokeCtx, key); rerr != nil {
			c.logger.Warn().Err(rerr).Str("key", key).Msg("put revoke failed")
		}
		return fmt.Errorf("put %q: %w", key, err)
	}

	if err := c.master.PutEnd(ctx, key, metadata.ReplicaMemory); err != nil {
		return fmt.Errorf("put end %q: %w", key, err)
	}
	return nil
}

// writeReplicas writes data to every replica in parallel, one batch per
// replica with one request per slice.
func (c *Client) writeReplicas(ctx context.Context, data []byte, slices []uint64, replicas []metadata.Replica) error {
	if err := c.ensureSegments(ctx, replicas); err != nil {
		return err
	}

	src, err := c.engine.RegisterMemory(data, c.cfg.Location, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.engine.UnregisterMemory(src); err != nil {
			c.logger.Warn().Err(err).Msg("unregister put buffer failed")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range replicas {
		reqs := make([]transport.Request, 0, len(slices))
		var off uint64
		for _, n := range slices {
			reqs = append(reqs, transport.Request{
				Source:       src,
				SourceOffset: off,
				Dest:         transport.Handle(r.SegmentID),
				DestOffset:   r.Offset + off,
				Length:       n,
			})
			off += n
		}
		g.Go(func() error {
			if _, err := c.engine.Transfer(gctx, reqs, c.cfg.TransferTimeout); err != nil {
				return fmt.Errorf("write replica on %s: %w", r.NodeName, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Get reads key into buf and returns the object size. Replicas are tried in
// the order the master returns them, local ones first.
func (c *Client) Get(ctx context.Context, key string, buf []byte) (int, error) {
	replicas, err := c.master.GetReplicaList(ctx, key, c.engine.NodeName())
	if err != nil {
		return 0, fmt.Errorf("get %q: %w", key, err)
	}
	if len(replicas) == 0 {
		return 0, fmt.Errorf("get %q: %w", key, ErrNoReplica)
	}
	size := replicas[0].Length
	if uint64(len(buf)) < size {
		return int(size), fmt.Errorf("get %q: need %d bytes, have %d: %w", key, size, len(buf), ErrBufferTooSmall)
	}
	if err := c.ensureSegments(ctx, replicas); err != nil {
		return 0, err
	}

	dst, err := c.engine.RegisterMemory(buf[:size], c.cfg.Location, false)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := c.engine.UnregisterMemory(dst); err != nil {
			c.logger.Warn().Err(err).Msg("unregister get buffer failed")
		}
	}()

	var errs []error
	for _, r := range replicas {
		_, err := c.engine.Transfer(ctx, []transport.Request{{
			Source:       transport.Handle(r.SegmentID),
			SourceOffset: r.Offset,
			Dest:         dst,
			Length:       size,
		}}, c.cfg.TransferTimeout)
		if err == nil {
			return int(size), nil
		}
		c.logger.Debug().Err(err).Str("key", key).Str("node", r.NodeName).Msg("replica read failed")
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return 0, fmt.Errorf("get %q: %w: %w", key, ErrNoReplica, errors.Join(errs...))
}

// Exists reports whether key is committed.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	return c.master.ExistKey(ctx, key)
}

// Remove deletes key.
func (c *Client) Remove(ctx context.Context, key string) error {
	return c.master.Remove(ctx, key)
}

// ensureSegments makes every remote segment referenced by replicas known to
// the engine, refreshing the segment directory from the master when one is
// missing.
func (c *Client) ensureSegments(ctx context.Context, replicas []metadata.Replica) error {
	if c.known(replicas) {
		return nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.known(replicas) {
		return nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return err
	}
	if !c.known(replicas) {
		return fmt.Errorf("replica segment not mounted: %w", transport.ErrUnreachableDestination)
	}
	return nil
}

func (c *Client) known(replicas []metadata.Replica) bool {
	for _, r := range replicas {
		if r.NodeName == c.engine.NodeName() {
			continue
		}
		if _, ok := c.engine.Remote(transport.Handle(r.SegmentID)); !ok {
			return false
		}
	}
	return true
}

// RefreshSegments loads the segment directory from the master. The peer
// table of the topology resolver is replaced, mounted segments become
// remote regions, and segments that were unmounted since the last refresh
// are forgotten.
func (c *Client) RefreshSegments(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) error {
	segs, err := c.master.ListSegments(ctx)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}

	self := c.engine.NodeName()
	peers := make(map[string][]topology.Endpoint)
	mounted := make(map[transport.Handle]struct{}, len(segs))
	for _, s := range segs {
		if s.NodeName == self {
			continue
		}
		h := transport.Handle(s.ID)
		peers[s.NodeName] = append(peers[s.NodeName], s.Endpoints...)
		if err := c.engine.RegisterRemote(transport.RemoteRegion{
			Handle:   h,
			Node:     s.NodeName,
			Length:   s.Capacity,
			Location: s.Location,
		}); err != nil {
			return err
		}
		mounted[h] = struct{}{}
	}
	for node, eps := range peers {
		peers[node] = dedupEndpoints(eps)
	}
	c.engine.Resolver().SetPeers(peers)

	var dropped int
	for h := range c.remotes {
		if _, ok := mounted[h]; !ok {
			c.engine.UnregisterRemote(h)
			dropped++
		}
	}
	c.remotes = mounted

	c.logger.Debug().
		Int("segments", len(segs)).
		Int("peers", len(peers)).
		Int("dropped", dropped).
		Msg("Segment directory refreshed")
	return nil
}

func dedupEndpoints(eps []topology.Endpoint) []topology.Endpoint {
	seen := make(map[topology.Endpoint]bool, len(eps))
	out := eps[:0]
	for _, ep := range eps {
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}
	return out
}

// sliceLengths splits size bytes into slices of at most sliceSize.
func sliceLengths(size, sliceSize int) []uint64 {
	if sliceSize <= 0 || sliceSize >= size {
		return []uint64{uint64(size)}
	}
	out := make([]uint64, 0, (size+sliceSize-1)/sliceSize)
	for rest := size; rest > 0; rest -= sliceSize {
		out = append(out, uint64(min(rest, sliceSize)))
	}
	return out
}
