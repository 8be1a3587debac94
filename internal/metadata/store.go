// Package metadata provides the sharded, in-memory map from object key to
// replica placement, lease and write state.
//
// Keys are routed to one of a fixed number of shards by hash. Each shard has
// its own lock and keeps expiry indexes over its entries so eviction and
// sweeps can scan the soonest-expiring keys without touching other shards.
// Cluster-wide counters are atomics maintained outside the shard locks.
package metadata

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount is the number of shards used when none is configured.
const DefaultShardCount = 1024

// Action tells Update what to do with the entry after the mutator returns.
type Action int

const (
	// ActionNone leaves the shard unchanged.
	ActionNone Action = iota
	// ActionPut stores the mutated entry.
	ActionPut
	// ActionDelete removes the entry.
	ActionDelete
)

// Mutator inspects and mutates a copy of an entry under the shard write lock.
// exists is false when the key is absent; e is then a zero entry with Key set.
// Returning an error discards the mutation.
type Mutator func(e *Entry, exists bool) (Action, error)

// Candidate is a key returned by the expiry scans.
type Candidate struct {
	Key    string
	Shard  int
	Expiry time.Time
}

// Config holds metadata store settings.
type Config struct {
	ShardCount int
}

// Store is the sharded metadata store.
type Store struct {
	shards []*shard

	entries        atomic.Int64
	committed      atomic.Int64
	committedBytes atomic.Int64
}

// shard owns a partition of the keyspace.
type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	// evictable indexes committed, unpinned entries by lease expiry.
	evictable *expiryIndex
	// pinned indexes committed, soft-pinned entries by lease expiry.
	pinned *expiryIndex
	// pending indexes pending writes by their deadline.
	pending *expiryIndex
}

// New creates a metadata store.
func New(cfg Config) *Store {
	n := cfg.ShardCount
	if n <= 0 {
		n = DefaultShardCount
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{
			entries:   make(map[string]*Entry),
			evictable: newExpiryIndex(),
			pinned:    newExpiryIndex(),
			pending:   newExpiryIndex(),
		}
	}
	return s
}

// ShardCount returns the number of shards.
func (s *Store) ShardCount() int {
	return len(s.shards)
}

// ShardOf returns the shard index a key routes to.
func (s *Store) ShardOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.shards)))
}

// Lookup returns a copy of the entry for key. A missing key is a cache miss,
// reported by the boolean rather than an error.
func (s *Store) Lookup(key string) (Entry, bool) {
	sh := s.shards[s.ShardOf(key)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Update applies fn to the entry for key under the shard write lock and
// returns the resulting entry. For ActionDelete the removed entry is returned.
func (s *Store) Update(key string, fn Mutator) (Entry, error) {
	sh := s.shards[s.ShardOf(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, exists := sh.entries[key]
	var working Entry
	if exists {
		working = old.Clone()
	} else {
		working = Entry{Key: key}
	}

	action, err := fn(&working, exists)
	if err != nil {
		return Entry{}, err
	}

	switch action {
	case ActionPut:
		if working.Key != key {
			return Entry{}, fmt.Errorf("mutator changed key %q to %q", key, working.Key)
		}
		stored := working.Clone()
		sh.entries[key] = &stored
		sh.reindex(&stored)
		s.account(old, &stored)
		return working, nil
	case ActionDelete:
		if !exists {
			return Entry{}, nil
		}
		s.removeLocked(sh, key)
		return old.Clone(), nil
	default:
		return working, nil
	}
}

// Delete removes key and returns the removed entry and whether it existed.
func (s *Store) Delete(key string) (Entry, bool) {
	sh := s.shards[s.ShardOf(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return Entry{}, false
	}
	s.removeLocked(sh, key)
	return e.Clone(), true
}

// removeLocked drops key from the shard. Caller must hold sh.mu.
func (s *Store) removeLocked(sh *shard, key string) {
	old := sh.entries[key]
	delete(sh.entries, key)
	sh.evictable.remove(key)
	sh.pinned.remove(key)
	sh.pending.remove(key)
	s.account(old, nil)
}

// reindex places e in exactly one index matching its state.
func (sh *shard) reindex(e *Entry) {
	sh.evictable.remove(e.Key)
	sh.pinned.remove(e.Key)
	sh.pending.remove(e.Key)

	switch {
	case !e.Committed():
		sh.pending.set(e.Key, e.PendingDeadline)
	case e.SoftPin:
		sh.pinned.set(e.Key, e.LeaseExpiry)
	default:
		sh.evictable.set(e.Key, e.LeaseExpiry)
	}
}

// account updates the cluster counters for a transition from old to cur.
// Either side may be nil.
func (s *Store) account(old, cur *Entry) {
	if old == nil && cur != nil {
		s.entries.Add(1)
	}
	if old != nil && cur == nil {
		s.entries.Add(-1)
	}
	if old != nil && old.Committed() {
		s.committed.Add(-1)
		s.committedBytes.Add(-int64(old.Size))
	}
	if cur != nil && cur.Committed() {
		s.committed.Add(1)
		s.committedBytes.Add(int64(cur.Size))
	}
}

// ScanExpiring returns up to limit evictable keys of one shard in ascending
// lease expiry order, ties broken by key. Pending and soft-pinned entries are
// not eviction candidates and never appear. The store is not mutated.
func (s *Store) ScanExpiring(shardIdx, limit int) []Candidate {
	if limit <= 0 {
		return nil
	}
	sh := s.shards[shardIdx]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	out := make([]Candidate, 0, min(limit, sh.evictable.Len()))
	sh.evictable.walk(func(key string, expiry time.Time) bool {
		out = append(out, Candidate{Key: key, Shard: shardIdx, Expiry: expiry})
		return len(out) < limit
	})
	return out
}

// ScanLeaseExpired returns up to limit committed keys of one shard whose lease
// expired at or before now, soft-pinned ones included.
func (s *Store) ScanLeaseExpired(shardIdx int, now time.Time, limit int) []Candidate {
	sh := s.shards[shardIdx]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	var out []Candidate
	collect := func(key string, expiry time.Time) bool {
		if expiry.After(now) || len(out) >= limit {
			return false
		}
		out = append(out, Candidate{Key: key, Shard: shardIdx, Expiry: expiry})
		return true
	}
	sh.evictable.walk(collect)
	sh.pinned.walk(collect)
	return out
}

// ScanPendingExpired returns up to limit pending keys of one shard whose write
// deadline passed at or before now.
func (s *Store) ScanPendingExpired(shardIdx int, now time.Time, limit int) []Candidate {
	sh := s.shards[shardIdx]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	var out []Candidate
	sh.pending.walk(func(key string, deadline time.Time) bool {
		if deadline.After(now) || len(out) >= limit {
			return false
		}
		out = append(out, Candidate{Key: key, Shard: shardIdx, Expiry: deadline})
		return true
	})
	return out
}

// Range calls fn with a copy of every entry in one shard. The shard is read
// locked for the duration, so fn must not call back into the store.
func (s *Store) Range(shardIdx int, fn func(e Entry) bool) {
	sh := s.shards[shardIdx]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	for _, e := range sh.entries {
		if !fn(e.Clone()) {
			return
		}
	}
}

// Keys returns a snapshot of the keys of one shard.
func (s *Store) Keys(shardIdx int) []string {
	sh := s.shards[shardIdx]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	keys := make([]string, 0, len(sh.entries))
	for k := range sh.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries, pending included.
func (s *Store) Len() int {
	return int(s.entries.Load())
}

// CommittedLen returns the number of committed entries.
func (s *Store) CommittedLen() int {
	return int(s.committed.Load())
}

// CommittedBytes returns the logical size of all committed objects.
func (s *Store) CommittedBytes() uint64 {
	return uint64(s.committedBytes.Load())
}
