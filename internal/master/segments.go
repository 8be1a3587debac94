package master

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dramcache/dramcache/internal/allocator"
	"github.com/dramcache/dramcache/internal/metadata"
	"github.com/dramcache/dramcache/internal/topology"
)

// errTooFewNodes means the cluster has fewer nodes than requested replicas.
// Eviction cannot help, so PutStart fails without running it.
var errTooFewNodes = fmt.Errorf("%w: not enough storage nodes", ErrOutOfSpace)

// Segment is a contiguous range of DRAM a storage node contributes to the
// cluster. ID doubles as the transfer engine handle of the registered region.
type Segment struct {
	ID        string              `json:"id"`
	NodeName  string              `json:"node_name"`
	Capacity  uint64              `json:"capacity"`
	Location  string              `json:"location,omitempty"`
	Endpoints []topology.Endpoint `json:"endpoints,omitempty"`
}

// SegmentStatus is a mounted segment with its current usage.
type SegmentStatus struct {
	Segment
	Allocated uint64    `json:"allocated"`
	Keys      int       `json:"keys"`
	MountedAt time.Time `json:"mounted_at"`
}

type mountedSegment struct {
	info      Segment
	alloc     *allocator.Allocator
	keys      map[string]struct{}
	mountedAt time.Time
}

func (m *mountedSegment) freeRatio() float64 {
	c := m.alloc.Capacity()
	if c == 0 {
		return 0
	}
	return float64(m.alloc.Available()) / float64(c)
}

// segmentManager tracks mounted segments and node liveness, and places
// replica allocations. Lock order: a metadata shard lock may be held while
// calling into the manager, never the reverse.
type segmentManager struct {
	mu        sync.Mutex
	alignment uint64
	segments  map[string]*mountedSegment
	nodes     map[string]time.Time // last keepalive per node
}

func newSegmentManager(alignment uint64) *segmentManager {
	return &segmentManager{
		alignment: alignment,
		segments:  make(map[string]*mountedSegment),
		nodes:     make(map[string]time.Time),
	}
}

func (m *segmentManager) mount(seg Segment, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.segments[seg.ID]; ok {
		return fmt.Errorf("mount %s: %w", seg.ID, ErrSegmentExists)
	}
	m.segments[seg.ID] = &mountedSegment{
		info:      seg,
		alloc:     allocator.New(seg.Capacity, m.alignment),
		keys:      make(map[string]struct{}),
		mountedAt: now,
	}
	m.nodes[seg.NodeName] = now
	return nil
}

// unmount removes a segment and returns the keys that had replicas on it.
func (m *segmentManager) unmount(id string) (Segment, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[id]
	if !ok {
		return Segment{}, nil, fmt.Errorf("unmount %s: %w", id, ErrSegmentNotFound)
	}
	delete(m.segments, id)

	keys := make([]string, 0, len(seg.keys))
	for k := range seg.keys {
		keys = append(keys, k)
	}
	if !m.hasNodeLocked(seg.info.NodeName) {
		delete(m.nodes, seg.info.NodeName)
	}
	return seg.info, keys, nil
}

func (m *segmentManager) hasNodeLocked(node string) bool {
	for _, s := range m.segments {
		if s.info.NodeName == node {
			return true
		}
	}
	return false
}

// allocate reserves size bytes on count distinct nodes. Nodes are ordered by
// free ratio, most free first, with random tie-break; preferred goes first
// when it has room.
func (m *segmentManager) allocate(key string, size uint64, count int, preferred string) ([]metadata.Replica, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.nodes) < count {
		return nil, errTooFewNodes
	}

	// Best fitting segment per node.
	best := make(map[string]*mountedSegment)
	for _, s := range m.segments {
		if !s.alloc.Fits(size) {
			continue
		}
		cur, ok := best[s.info.NodeName]
		if !ok || s.freeRatio() > cur.freeRatio() {
			best[s.info.NodeName] = s
		}
	}
	if len(best) < count {
		return nil, fmt.Errorf("%w: %d of %d nodes can hold %d bytes", ErrOutOfSpace, len(best), count, size)
	}

	candidates := make([]*mountedSegment, 0, len(best))
	for _, s := range best {
		candidates = append(candidates, s)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].freeRatio() > candidates[j].freeRatio()
	})
	if preferred != "" {
		for i, s := range candidates {
			if s.info.NodeName == preferred {
				copy(candidates[1:i+1], candidates[:i])
				candidates[0] = s
				break
			}
		}
	}

	replicas := make([]metadata.Replica, 0, count)
	for _, s := range candidates[:count] {
		off, err := s.alloc.Allocate(size)
		if err != nil {
			m.releaseLocked(key, replicas)
			return nil, errors.Join(ErrOutOfSpace, err)
		}
		s.keys[key] = struct{}{}
		replicas = append(replicas, metadata.Replica{
			ID:        uuid.NewString(),
			SegmentID: s.info.ID,
			NodeName:  s.info.NodeName,
			Offset:    off,
			Length:    size,
			Status:    metadata.ReplicaPending,
			Type:      metadata.ReplicaMemory,
		})
	}
	return replicas, nil
}

// free releases the ranges of replicas and returns the bytes released.
// Replicas on segments that are no longer mounted are skipped.
func (m *segmentManager) free(key string, replicas []metadata.Replica) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(key, replicas)
}

func (m *segmentManager) releaseLocked(key string, replicas []metadata.Replica) uint64 {
	var released uint64
	for _, r := range replicas {
		s, ok := m.segments[r.SegmentID]
		if !ok {
			continue
		}
		size, ok := s.alloc.SizeOf(r.Offset)
		if !ok {
			continue
		}
		if err := s.alloc.Free(r.Offset); err == nil {
			released += size
		}
		delete(s.keys, key)
	}
	return released
}

// touch records a keepalive from node.
func (m *segmentManager) touch(node string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[node]; !ok {
		return fmt.Errorf("keepalive from %s: %w", node, ErrNodeNotFound)
	}
	m.nodes[node] = now
	return nil
}

// staleNodes returns nodes whose last keepalive is older than ttl.
func (m *segmentManager) staleNodes(now time.Time, ttl time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for node, seen := range m.nodes {
		if now.Sub(seen) > ttl {
			out = append(out, node)
		}
	}
	sort.Strings(out)
	return out
}

// segmentsOf returns the IDs of the segments mounted by node.
func (m *segmentManager) segmentsOf(node string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, s := range m.segments {
		if s.info.NodeName == node {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *segmentManager) list() []SegmentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SegmentStatus, 0, len(m.segments))
	for _, s := range m.segments {
		out = append(out, SegmentStatus{
			Segment:   s.info,
			Allocated: s.alloc.Used(),
			Keys:      len(s.keys),
			MountedAt: s.mountedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// usage returns total capacity and allocated bytes over all segments.
func (m *segmentManager) usage() (capacity, allocated uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.segments {
		capacity += s.alloc.Capacity()
		allocated += s.alloc.Used()
	}
	return capacity, allocated
}

// largestCapacity returns the capacity of the largest mounted segment.
func (m *segmentManager) largestCapacity() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var largest uint64
	for _, s := range m.segments {
		largest = max(largest, s.alloc.Capacity())
	}
	return largest
}

// freeRatio is the cluster-wide free fraction; 1 when nothing is mounted.
func (m *segmentManager) freeRatio() float64 {
	capacity, allocated := m.usage()
	if capacity == 0 {
		return 1
	}
	return float64(capacity-allocated) / float64(capacity)
}

// segmentFreeRatio returns the free fraction of one segment.
func (m *segmentManager) segmentFreeRatio(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.segments[id]
	if !ok {
		return 0, false
	}
	return s.freeRatio(), true
}

// pressured returns the segments whose free ratio is below threshold.
func (m *segmentManager) pressured(threshold float64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, s := range m.segments {
		if s.freeRatio() < threshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *segmentManager) counts() (segments, nodes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments), len(m.nodes)
}
