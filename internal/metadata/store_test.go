package metadata

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func putCommitted(t *testing.T, s *Store, key string, size uint64, expiry time.Time, pinned bool) {
	t.Helper()
	_, err := s.Update(key, func(e *Entry, exists bool) (Action, error) {
		e.Size = size
		e.State = StateCommitted
		e.LeaseExpiry = expiry
		e.SoftPin = pinned
		return ActionPut, nil
	})
	require.NoError(t, err)
}

func TestStore_LookupMissIsNotAnError(t *testing.T) {
	s := New(Config{ShardCount: 8})

	_, ok := s.Lookup("missing")
	assert.False(t, ok)
}

func TestStore_UpdateAndLookup(t *testing.T) {
	s := New(Config{ShardCount: 8})
	putCommitted(t, s, "k1", 100, base.Add(time.Minute), false)

	e, ok := s.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, uint64(100), e.Size)
	assert.True(t, e.Committed())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.CommittedLen())
	assert.Equal(t, uint64(100), s.CommittedBytes())
}

func TestStore_LookupReturnsCopy(t *testing.T) {
	s := New(Config{ShardCount: 4})
	_, err := s.Update("k", func(e *Entry, _ bool) (Action, error) {
		e.Replicas = []Replica{{ID: "r1"}}
		return ActionPut, nil
	})
	require.NoError(t, err)

	e, _ := s.Lookup("k")
	e.Replicas[0].ID = "mutated"

	again, _ := s.Lookup("k")
	assert.Equal(t, "r1", again.Replicas[0].ID)
}

func TestStore_UpdateErrorDiscardsMutation(t *testing.T) {
	s := New(Config{ShardCount: 4})
	putCommitted(t, s, "k", 10, base, false)

	boom := errors.New("boom")
	_, err := s.Update("k", func(e *Entry, _ bool) (Action, error) {
		e.Size = 999
		return ActionPut, boom
	})
	require.ErrorIs(t, err, boom)

	e, _ := s.Lookup("k")
	assert.Equal(t, uint64(10), e.Size)
}

func TestStore_UpdateDelete(t *testing.T) {
	s := New(Config{ShardCount: 4})
	putCommitted(t, s, "k", 10, base, false)

	removed, err := s.Update("k", func(e *Entry, exists bool) (Action, error) {
		require.True(t, exists)
		return ActionDelete, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "k", removed.Key)

	_, ok := s.Lookup("k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(0), s.CommittedBytes())
}

func TestStore_Delete(t *testing.T) {
	s := New(Config{ShardCount: 4})
	putCommitted(t, s, "k", 10, base, false)

	_, ok := s.Delete("k")
	assert.True(t, ok)
	_, ok = s.Delete("k")
	assert.False(t, ok)
	assert.Empty(t, s.ScanExpiring(s.ShardOf("k"), 10))
}

func TestStore_ShardRoutingIsStable(t *testing.T) {
	s := New(Config{ShardCount: 16})
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		idx := s.ShardOf(key)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 16)
		assert.Equal(t, idx, s.ShardOf(key))
	}
}

func TestStore_DefaultShardCount(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, DefaultShardCount, s.ShardCount())
}

func TestStore_ScanExpiringOrdersByExpiryThenKey(t *testing.T) {
	s := New(Config{ShardCount: 1})
	putCommitted(t, s, "c", 1, base.Add(3*time.Second), false)
	putCommitted(t, s, "b", 1, base.Add(1*time.Second), false)
	putCommitted(t, s, "a", 1, base.Add(1*time.Second), false)
	putCommitted(t, s, "d", 1, base.Add(2*time.Second), false)

	got := s.ScanExpiring(0, 10)
	keys := make([]string, len(got))
	for i, c := range got {
		keys[i] = c.Key
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, keys)

	limited := s.ScanExpiring(0, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, "a", limited[0].Key)
	assert.Equal(t, "b", limited[1].Key)
}

func TestStore_ScanExpiringLargeShard(t *testing.T) {
	s := New(Config{ShardCount: 1})
	// Insert in reverse order so the heap has to do real work.
	for i := 199; i >= 0; i-- {
		putCommitted(t, s, fmt.Sprintf("k%03d", i), 1, base.Add(time.Duration(i)*time.Second), false)
	}

	got := s.ScanExpiring(0, 50)
	require.Len(t, got, 50)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("k%03d", i), c.Key)
	}
}

func TestStore_ScanExpiringSkipsPendingAndPinned(t *testing.T) {
	s := New(Config{ShardCount: 1})
	putCommitted(t, s, "pinned", 1, base, true)
	putCommitted(t, s, "normal", 1, base.Add(time.Second), false)
	_, err := s.Update("pending", func(e *Entry, _ bool) (Action, error) {
		e.State = StatePending
		e.PendingDeadline = base
		return ActionPut, nil
	})
	require.NoError(t, err)

	got := s.ScanExpiring(0, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "normal", got[0].Key)
}

func TestStore_RenewReordersIndex(t *testing.T) {
	s := New(Config{ShardCount: 1})
	putCommitted(t, s, "a", 1, base.Add(time.Second), false)
	putCommitted(t, s, "b", 1, base.Add(2*time.Second), false)

	_, err := s.Update("a", func(e *Entry, _ bool) (Action, error) {
		e.Renew(base.Add(time.Hour))
		return ActionPut, nil
	})
	require.NoError(t, err)

	got := s.ScanExpiring(0, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Key)
}

func TestStore_ScanLeaseExpired(t *testing.T) {
	s := New(Config{ShardCount: 1})
	putCommitted(t, s, "old", 1, base, false)
	putCommitted(t, s, "old-pinned", 1, base, true)
	putCommitted(t, s, "fresh", 1, base.Add(time.Hour), false)

	got := s.ScanLeaseExpired(0, base.Add(time.Second), 10)
	keys := map[string]bool{}
	for _, c := range got {
		keys[c.Key] = true
	}
	assert.Equal(t, map[string]bool{"old": true, "old-pinned": true}, keys)
}

func TestStore_ScanPendingExpired(t *testing.T) {
	s := New(Config{ShardCount: 1})
	for i, d := range []time.Duration{time.Second, time.Minute} {
		_, err := s.Update(fmt.Sprintf("p%d", i), func(e *Entry, _ bool) (Action, error) {
			e.State = StatePending
			e.PendingDeadline = base.Add(d)
			return ActionPut, nil
		})
		require.NoError(t, err)
	}

	got := s.ScanPendingExpired(0, base.Add(2*time.Second), 10)
	require.Len(t, got, 1)
	assert.Equal(t, "p0", got[0].Key)
}

func TestStore_CommitMovesBetweenIndexes(t *testing.T) {
	s := New(Config{ShardCount: 1})
	_, err := s.Update("k", func(e *Entry, _ bool) (Action, error) {
		e.State = StatePending
		e.PendingDeadline = base
		return ActionPut, nil
	})
	require.NoError(t, err)
	assert.Len(t, s.ScanPendingExpired(0, base, 10), 1)
	assert.Equal(t, 0, s.CommittedLen())

	_, err = s.Update("k", func(e *Entry, _ bool) (Action, error) {
		e.State = StateCommitted
		e.LeaseExpiry = base.Add(time.Minute)
		return ActionPut, nil
	})
	require.NoError(t, err)
	assert.Empty(t, s.ScanPendingExpired(0, base, 10))
	assert.Len(t, s.ScanExpiring(0, 10), 1)
	assert.Equal(t, 1, s.CommittedLen())
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := New(Config{ShardCount: 32})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				_, err := s.Update(key, func(e *Entry, _ bool) (Action, error) {
					e.State = StateCommitted
					e.Size = 1
					e.LeaseExpiry = base.Add(time.Duration(i) * time.Millisecond)
					return ActionPut, nil
				})
				assert.NoError(t, err)
				_, _ = s.Lookup(key)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1600, s.Len())
	assert.Equal(t, uint64(1600), s.CommittedBytes())
}

func TestEntry_RenewIsMonotonic(t *testing.T) {
	e := &Entry{State: StateCommitted, LeaseExpiry: base.Add(time.Minute)}

	assert.False(t, e.Renew(base))
	assert.Equal(t, base.Add(time.Minute), e.LeaseExpiry)

	assert.True(t, e.Renew(base.Add(2*time.Minute)))
	assert.Equal(t, base.Add(2*time.Minute), e.LeaseExpiry)
}

func TestEntry_SliceOffsets(t *testing.T) {
	e := &Entry{SliceLengths: []uint64{10, 20, 30}}
	assert.Equal(t, []uint64{0, 10, 30}, e.SliceOffsets())
}

func TestEntry_Evictable(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"committed", Entry{State: StateCommitted}, true},
		{"pinned", Entry{State: StateCommitted, SoftPin: true}, false},
		{"pending", Entry{State: StatePending}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Evictable())
		})
	}
}
