// Package master implements the object lifecycle over the metadata store:
// replica placement at PutStart, commit at PutEnd, lease renewal on reads,
// explicit removal, and reclamation by lease expiry and eviction.
//
// The service never moves object bytes itself. Writers push data between
// PutStart and PutEnd through the transfer engine; readers pull it after
// GetReplicaList.
package master

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dramcache/dramcache/internal/allocator"
	"github.com/dramcache/dramcache/internal/metadata"
	"github.com/dramcache/dramcache/internal/metrics"
)

// Defaults applied by New for zero config values.
const (
	DefaultLeaseTTL        = 60 * time.Second
	DefaultSoftPinTTL      = 30 * time.Minute
	DefaultPendingTTL      = 10 * time.Minute
	DefaultNodeTTL         = 30 * time.Second
	DefaultSweepInterval   = time.Second
	DefaultSweepBatch      = 256
	DefaultHighWatermark   = 0.20
	DefaultTargetFreeRatio = 0.30
	DefaultEvictInterval   = time.Second
	DefaultScanLimit       = 64
)

// EvictionConfig controls memory-pressure eviction.
type EvictionConfig struct {
	// HighWatermark is the free ratio below which eviction starts, for the
	// cluster as a whole and for any single segment.
	HighWatermark float64
	// TargetFreeRatio is the free ratio eviction stops at.
	TargetFreeRatio float64
	Interval        time.Duration
	// ScanLimit is the initial number of candidates taken per shard.
	ScanLimit int
}

// Config holds master service settings.
type Config struct {
	Name       string
	ShardCount int

	LeaseTTL   time.Duration
	SoftPinTTL time.Duration
	PendingTTL time.Duration
	NodeTTL    time.Duration

	SweepInterval time.Duration
	SweepBatch    int
	Eviction      EvictionConfig

	// Alignment of replica allocations inside a segment.
	Alignment uint64

	Logger  zerolog.Logger
	Metrics *metrics.MasterMetrics
	// Clock defaults to time.Now. Tests inject a fake clock.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "master"
	}
	if c.ShardCount <= 0 {
		c.ShardCount = metadata.DefaultShardCount
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.SoftPinTTL <= 0 {
		c.SoftPinTTL = DefaultSoftPinTTL
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.NodeTTL <= 0 {
		c.NodeTTL = DefaultNodeTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = DefaultSweepBatch
	}
	if c.Eviction.HighWatermark <= 0 {
		c.Eviction.HighWatermark = DefaultHighWatermark
	}
	if c.Eviction.TargetFreeRatio <= 0 {
		c.Eviction.TargetFreeRatio = DefaultTargetFreeRatio
	}
	if c.Eviction.Interval <= 0 {
		c.Eviction.Interval = DefaultEvictInterval
	}
	if c.Eviction.ScanLimit <= 0 {
		c.Eviction.ScanLimit = DefaultScanLimit
	}
	if c.Alignment == 0 {
		c.Alignment = allocator.DefaultAlignment
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ReplicateConfig is the replication request of one PutStart.
type ReplicateConfig struct {
	ReplicaCount int `json:"replica_count"`
	// SoftPin protects the object from eviction.
	SoftPin bool `json:"soft_pin,omitempty"`
	// PreferredNode receives one replica when it has room, usually the writer.
	PreferredNode string `json:"preferred_node,omitempty"`
}

// Stats is a point-in-time snapshot of the service.
type Stats struct {
	Keys           int     `json:"keys"`
	CommittedKeys  int     `json:"committed_keys"`
	CommittedBytes uint64  `json:"committed_bytes"`
	Capacity       uint64  `json:"capacity"`
	Allocated      uint64  `json:"allocated"`
	FreeRatio      float64 `json:"free_ratio"`
	Segments       int     `json:"segments"`
	Nodes          int     `json:"nodes"`
}

// Service is the master service.
type Service struct {
	cfg      Config
	store    *metadata.Store
	segments *segmentManager
	logger   zerolog.Logger
	metrics  *metrics.MasterMetrics
	now      func() time.Time

	// evictMu serializes eviction passes.
	evictMu sync.Mutex

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a master service. Call Start to run background sweeps.
func New(cfg Config) *Service {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		store:    metadata.New(metadata.Config{ShardCount: cfg.ShardCount}),
		segments: newSegmentManager(cfg.Alignment),
		logger:   cfg.Logger.With().Str("component", "master").Logger(),
		metrics:  cfg.Metrics,
		now:      cfg.Clock,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *Service) leaseFor(e *metadata.Entry, now time.Time) time.Time {
	if e.SoftPin {
		return now.Add(s.cfg.SoftPinTTL)
	}
	return now.Add(s.cfg.LeaseTTL)
}

// PutStart reserves space for key on ReplicaCount distinct nodes and creates
// a pending entry. Retrying on a still-pending key with the same slice
// layout returns the existing allocation. When space is short one eviction
// pass runs before the allocation is retried.
func (s *Service) PutStart(ctx context.Context, key string, sliceLengths []uint64, cfg ReplicateConfig) (replicas []metadata.Replica, err error) {
	defer func() {
		if s.metrics != nil {
			s.metrics.PutStarts.WithLabelValues(resultLabel(err)).Inc()
		}
	}()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	size, err := validatePut(key, sliceLengths, cfg)
	if err != nil {
		return nil, err
	}
	if largest := s.segments.largestCapacity(); largest > 0 && size > largest {
		return nil, fmt.Errorf("object of %d bytes exceeds the largest segment (%d bytes): %w", size, largest, ErrInvalidArgument)
	}

	replicas, err = s.putStart(key, size, sliceLengths, cfg)
	if err == nil || !errors.Is(err, ErrOutOfSpace) || errors.Is(err, errTooFewNodes) {
		return replicas, err
	}

	align := s.cfg.Alignment
	need := (size + align - 1) / align * align * uint64(cfg.ReplicaCount)
	keys, freed := s.evict(need, nil)
	s.logger.Debug().
		Str("key", key).
		Uint64("need", need).
		Int("evicted", keys).
		Uint64("freed", freed).
		Msg("Evicted to satisfy put")
	if keys == 0 {
		return nil, err
	}
	return s.putStart(key, size, sliceLengths, cfg)
}

func (s *Service) putStart(key string, size uint64, sliceLengths []uint64, cfg ReplicateConfig) ([]metadata.Replica, error) {
	now := s.now()
	var (
		replicas []metadata.Replica
		allocErr error
	)
	_, err := s.store.Update(key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
		reclaimed := false
		if exists {
			switch {
			case !e.Committed() && now.Before(e.PendingDeadline):
				if e.Size == size && slices.Equal(e.SliceLengths, sliceLengths) && len(e.Replicas) == cfg.ReplicaCount {
					replicas = slices.Clone(e.Replicas)
					return metadata.ActionNone, nil
				}
				return metadata.ActionNone, fmt.Errorf("key %q has a pending write with a different layout: %w", key, ErrKeyAlreadyExists)
			case e.Committed() && !e.LeaseExpired(now):
				return metadata.ActionNone, fmt.Errorf("key %q: %w", key, ErrKeyAlreadyExists)
			}
			// Expired entry not yet swept.
			s.segments.free(key, e.Replicas)
			reclaimed = true
		}

		reps, err := s.segments.allocate(key, size, cfg.ReplicaCount, cfg.PreferredNode)
		if err != nil {
			allocErr = err
			if reclaimed {
				return metadata.ActionDelete, nil
			}
			return metadata.ActionNone, err
		}

		*e = metadata.Entry{
			Key:             key,
			Size:            size,
			SliceLengths:    slices.Clone(sliceLengths),
			Replicas:        reps,
			State:           metadata.StatePending,
			SoftPin:         cfg.SoftPin,
			PendingDeadline: now.Add(s.cfg.PendingTTL),
			CreatedAt:       now,
		}
		replicas = slices.Clone(reps)
		return metadata.ActionPut, nil
	})
	if err != nil {
		return nil, err
	}
	if allocErr != nil {
		return nil, allocErr
	}
	return replicas, nil
}

func validatePut(key string, sliceLengths []uint64, cfg ReplicateConfig) (uint64, error) {
	if key == "" {
		return 0, fmt.Errorf("empty key: %w", ErrInvalidArgument)
	}
	if len(sliceLengths) == 0 {
		return 0, fmt.Errorf("no slices: %w", ErrInvalidArgument)
	}
	if cfg.ReplicaCount <= 0 {
		return 0, fmt.Errorf("replica count %d: %w", cfg.ReplicaCount, ErrInvalidArgument)
	}
	var size uint64
	for i, l := range sliceLengths {
		if l == 0 {
			return 0, fmt.Errorf("slice %d is empty: %w", i, ErrInvalidArgument)
		}
		if size > math.MaxUint64-l {
			return 0, fmt.Errorf("slice lengths overflow: %w", ErrInvalidArgument)
		}
		size += l
	}
	return size, nil
}

// PutEnd commits the pending write of key and starts its lease. Committing an
// already committed key succeeds without change. A pending write past its
// deadline is reclaimed and reported as not found.
func (s *Service) PutEnd(ctx context.Context, key string, replicaType metadata.ReplicaType) (err error) {
	defer func() {
		if s.metrics != nil {
			s.metrics.PutEnds.WithLabelValues(resultLabel(err)).Inc()
		}
	}()

	if err := s.check(ctx); err != nil {
		return err
	}

	now := s.now()
	var expired bool
	_, err = s.store.Update(key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
		if !exists {
			return metadata.ActionNone, fmt.Errorf("put end %q: %w", key, ErrKeyNotFound)
		}
		if e.Committed() {
			return metadata.ActionNone, nil
		}
		if !now.Before(e.PendingDeadline) {
			s.segments.free(key, e.Replicas)
			expired = true
			return metadata.ActionDelete, nil
		}
		e.State = metadata.StateCommitted
		for i := range e.Replicas {
			e.Replicas[i].Status = metadata.ReplicaComplete
			e.Replicas[i].Type = replicaType
		}
		e.PendingDeadline = time.Time{}
		e.Renew(s.leaseFor(e, now))
		return metadata.ActionPut, nil
	})
	if err != nil {
		return err
	}
	if expired {
		if s.metrics != nil {
			s.metrics.PendingExpiredKeys.Inc()
		}
		return fmt.Errorf("put end %q: pending write expired: %w", key, ErrKeyNotFound)
	}
	return nil
}

// PutRevoke aborts a pending write and releases its space.
func (s *Service) PutRevoke(ctx context.Context, key string) (err error) {
	defer func() {
		if s.metrics != nil {
			s.metrics.PutRevokes.WithLabelValues(resultLabel(err)).Inc()
		}
	}()

	if err := s.check(ctx); err != nil {
		return err
	}

	_, err = s.store.Update(key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
		if !exists {
			return metadata.ActionNone, fmt.Errorf("revoke %q: %w", key, ErrKeyNotFound)
		}
		if e.Committed() {
			return metadata.ActionNone, fmt.Errorf("revoke %q: already committed: %w", key, ErrInvalidWriteState)
		}
		s.segments.free(key, e.Replicas)
		return metadata.ActionDelete, nil
	})
	return err
}

// GetReplicaList returns the committed replicas of key, those on requester
// first, and renews the lease. Pending writes are not visible. An entry whose
// lease ran out is reclaimed on the spot.
func (s *Service) GetReplicaList(ctx context.Context, key, requester string) (replicas []metadata.Replica, err error) {
	defer func() {
		if s.metrics == nil {
			return
		}
		s.metrics.Gets.WithLabelValues(resultLabel(err)).Inc()
		if err == nil {
			s.metrics.CacheHits.Inc()
		} else if errors.Is(err, ErrKeyNotFound) {
			s.metrics.CacheMisses.Inc()
		}
	}()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	if e, ok := s.store.Lookup(key); !ok || !e.Committed() {
		return nil, fmt.Errorf("get %q: %w", key, ErrKeyNotFound)
	}

	now := s.now()
	var expired bool
	_, err = s.store.Update(key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
		if !exists || !e.Committed() {
			return metadata.ActionNone, fmt.Errorf("get %q: %w", key, ErrKeyNotFound)
		}
		if e.LeaseExpired(now) {
			s.segments.free(key, e.Replicas)
			expired = true
			return metadata.ActionDelete, nil
		}
		replicas = e.ValidReplicas()
		if len(replicas) == 0 {
			return metadata.ActionNone, fmt.Errorf("get %q: no valid replicas: %w", key, ErrKeyNotFound)
		}
		if e.Renew(s.leaseFor(e, now)) {
			return metadata.ActionPut, nil
		}
		return metadata.ActionNone, nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		if s.metrics != nil {
			s.metrics.LeaseExpiredKeys.Inc()
		}
		return nil, fmt.Errorf("get %q: lease expired: %w", key, ErrKeyNotFound)
	}
	return orderLocalFirst(replicas, requester), nil
}

// orderLocalFirst moves replicas hosted on node to the front, keeping the
// relative order otherwise.
func orderLocalFirst(replicas []metadata.Replica, node string) []metadata.Replica {
	if node == "" {
		return replicas
	}
	out := make([]metadata.Replica, 0, len(replicas))
	for _, r := range replicas {
		if r.NodeName == node {
			out = append(out, r)
		}
	}
	for _, r := range replicas {
		if r.NodeName != node {
			out = append(out, r)
		}
	}
	return out
}

// BatchGetReplicaList runs GetReplicaList for each key. Keys that miss are
// absent from the result.
func (s *Service) BatchGetReplicaList(ctx context.Context, keys []string, requester string) (map[string][]metadata.Replica, error) {
	out := make(map[string][]metadata.Replica, len(keys))
	for _, key := range keys {
		replicas, err := s.GetReplicaList(ctx, key, requester)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		out[key] = replicas
	}
	return out, nil
}

// ExistKey reports whether key is committed and live. The lease is not renewed.
func (s *Service) ExistKey(ctx context.Context, key string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	e, ok := s.store.Lookup(key)
	if !ok || !e.Committed() {
		return false, nil
	}
	return !e.LeaseExpired(s.now()), nil
}

// Remove deletes a committed object and releases its space immediately.
// Pending writes are aborted with PutRevoke instead.
func (s *Service) Remove(ctx context.Context, key string) (err error) {
	defer func() {
		if s.metrics != nil {
			s.metrics.Removes.WithLabelValues(resultLabel(err)).Inc()
		}
	}()

	if err := s.check(ctx); err != nil {
		return err
	}

	_, err = s.store.Update(key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
		if !exists {
			return metadata.ActionNone, fmt.Errorf("remove %q: %w", key, ErrKeyNotFound)
		}
		if !e.Committed() {
			return metadata.ActionNone, fmt.Errorf("remove %q: write pending: %w", key, ErrInvalidWriteState)
		}
		s.segments.free(key, e.Replicas)
		return metadata.ActionDelete, nil
	})
	return err
}

// RemoveAll deletes every committed object, soft-pinned ones included, and
// returns how many were removed. Pending writes are left alone.
func (s *Service) RemoveAll(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	removed := 0
	for shard := range s.store.ShardCount() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		for _, key := range s.store.Keys(shard) {
			_, err := s.store.Update(key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
				if !exists || !e.Committed() {
					return metadata.ActionNone, nil
				}
				s.segments.free(key, e.Replicas)
				removed++
				return metadata.ActionDelete, nil
			})
			if err != nil {
				return removed, err
			}
		}
	}
	s.logger.Info().Int("removed", removed).Msg("Removed all objects")
	return removed, nil
}

// MountSegment adds a storage node's segment to the placement pool.
func (s *Service) MountSegment(ctx context.Context, seg Segment) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if seg.ID == "" || seg.NodeName == "" {
		return fmt.Errorf("segment id and node name are required: %w", ErrInvalidArgument)
	}
	if seg.Capacity < s.cfg.Alignment {
		return fmt.Errorf("segment capacity %d below alignment %d: %w", seg.Capacity, s.cfg.Alignment, ErrInvalidArgument)
	}
	if err := s.segments.mount(seg, s.now()); err != nil {
		return err
	}
	s.logger.Info().
		Str("segment", seg.ID).
		Str("node", seg.NodeName).
		Uint64("capacity", seg.Capacity).
		Msg("Segment mounted")
	s.updateGauges()
	return nil
}

// UnmountSegment removes a segment. Replicas on it are dropped; objects left
// without a committed replica are deleted and pending writes touching the
// segment are aborted.
func (s *Service) UnmountSegment(ctx context.Context, id string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	seg, keys, err := s.segments.unmount(id)
	if err != nil {
		return err
	}

	dropped := 0
	for _, key := range keys {
		_, _ = s.store.Update(key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
			if !exists {
				return metadata.ActionNone, nil
			}
			kept := e.Replicas[:0]
			for _, r := range e.Replicas {
				if r.SegmentID != id {
					kept = append(kept, r)
				}
			}
			if len(kept) == len(e.Replicas) {
				return metadata.ActionNone, nil
			}
			e.Replicas = kept
			if !e.Committed() || len(e.ValidReplicas()) == 0 {
				s.segments.free(key, e.Replicas)
				dropped++
				return metadata.ActionDelete, nil
			}
			return metadata.ActionPut, nil
		})
	}

	s.logger.Info().
		Str("segment", seg.ID).
		Str("node", seg.NodeName).
		Int("keys", len(keys)).
		Int("dropped", dropped).
		Msg("Segment unmounted")
	s.updateGauges()
	return nil
}

// ListSegments returns the mounted segments ordered by ID.
func (s *Service) ListSegments() []SegmentStatus {
	return s.segments.list()
}

// KeepAlive records that node is alive.
func (s *Service) KeepAlive(node string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.segments.touch(node, s.now())
}

// Stats returns a snapshot of the service.
func (s *Service) Stats() Stats {
	capacity, allocated := s.segments.usage()
	segs, nodes := s.segments.counts()
	free := 1.0
	if capacity > 0 {
		free = float64(capacity-allocated) / float64(capacity)
	}
	return Stats{
		Keys:           s.store.Len(),
		CommittedKeys:  s.store.CommittedLen(),
		CommittedBytes: s.store.CommittedBytes(),
		Capacity:       capacity,
		Allocated:      allocated,
		FreeRatio:      free,
		Segments:       segs,
		Nodes:          nodes,
	}
}

func (s *Service) updateGauges() {
	if s.metrics == nil {
		return
	}
	st := s.Stats()
	s.metrics.Keys.Set(float64(st.Keys))
	s.metrics.CommittedKeys.Set(float64(st.CommittedKeys))
	s.metrics.CapacityBytes.Set(float64(st.Capacity))
	s.metrics.AllocatedBytes.Set(float64(st.Allocated))
	s.metrics.MountedSegments.Set(float64(st.Segments))
	s.metrics.LiveNodes.Set(float64(st.Nodes))
}
