package master

import (
	"sort"
	"strings"
	"time"

	"github.com/dramcache/dramcache/internal/metadata"
)

// EvictionResult summarizes one eviction check.
type EvictionResult struct {
	Keys  int
	Bytes uint64
}

// EvictIfNeeded runs eviction when the cluster, or any single segment, has
// less free space than the high watermark. Each pressured scope is drained
// down to the target free ratio.
func (s *Service) EvictIfNeeded() EvictionResult {
	var res EvictionResult
	hw := s.cfg.Eviction.HighWatermark

	if s.segments.freeRatio() < hw {
		keys, freed := s.evict(0, nil)
		res.Keys += keys
		res.Bytes += freed
	}
	for _, id := range s.segments.pressured(hw) {
		keys, freed := s.evict(0, &id)
		res.Keys += keys
		res.Bytes += freed
	}

	if res.Keys > 0 {
		s.logger.Info().
			Int("keys", res.Keys).
			Uint64("bytes", res.Bytes).
			Float64("free_ratio", s.segments.freeRatio()).
			Msg("Evicted objects under memory pressure")
	}
	return res
}

// evict removes evictable objects in ascending lease expiry order, ties
// broken by key, until at least need bytes are freed and the free ratio of
// the scope reaches the target, or no candidates remain. With segment set
// only objects holding a replica on that segment are considered and the
// segment's own free ratio is the goal.
//
// Each shard contributes its soonest-expiring keys; the merged list is only
// trusted up to the last key of the shallowest full shard scan, past which
// an unscanned key could sort earlier. The per-shard limit doubles until
// the goal is met or every shard is exhausted.
func (s *Service) evict(need uint64, segment *string) (int, uint64) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	if s.metrics != nil {
		s.metrics.EvictionRuns.Inc()
	}

	target := s.cfg.Eviction.TargetFreeRatio
	var freed uint64
	done := func() bool {
		if freed < need {
			return false
		}
		if segment != nil {
			ratio, ok := s.segments.segmentFreeRatio(*segment)
			return !ok || ratio >= target
		}
		return s.segments.freeRatio() >= target
	}

	evicted := 0
	skip := make(map[string]bool)
	limit := s.cfg.Eviction.ScanLimit
	rescans := 0
	for !done() {
		candidates, cutoff, truncated := s.collectCandidates(limit, skip)
		if len(candidates) == 0 && !truncated {
			break
		}
		renewed := false
		for _, c := range candidates {
			if cutoff != nil && candidateLess(*cutoff, c) {
				break
			}
			if done() {
				break
			}
			n, outcome := s.evictOne(c, segment)
			switch outcome {
			case evictDone:
				evicted++
				freed += n
			case evictRenewed:
				// Picked up again at its new expiry by the next scan.
				renewed = true
			case evictIneligible:
				skip[c.Key] = true
			}
		}
		if truncated {
			limit *= 2
			continue
		}
		if !renewed || rescans >= maxEvictionRescans {
			break
		}
		rescans++
	}

	if s.metrics != nil && evicted > 0 {
		s.metrics.EvictedKeys.Add(float64(evicted))
		s.metrics.EvictedBytes.Add(float64(freed))
	}
	s.updateGauges()
	return evicted, freed
}

// collectCandidates merges the per-shard scans. cutoff is the smallest
// last-candidate among shards whose scan hit the limit; truncated reports
// whether any shard did.
func (s *Service) collectCandidates(limit int, skip map[string]bool) ([]metadata.Candidate, *metadata.Candidate, bool) {
	var (
		all       []metadata.Candidate
		cutoff    *metadata.Candidate
		truncated bool
	)
	for shard := range s.store.ShardCount() {
		scan := s.store.ScanExpiring(shard, limit)
		if len(scan) == limit {
			truncated = true
			last := scan[len(scan)-1]
			if cutoff == nil || candidateLess(last, *cutoff) {
				cutoff = &last
			}
		}
		for _, c := range scan {
			if !skip[c.Key] {
				all = append(all, c)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return candidateLess(all[i], all[j]) })
	return all, cutoff, truncated
}

func candidateLess(a, b metadata.Candidate) bool {
	if !a.Expiry.Equal(b.Expiry) {
		return a.Expiry.Before(b.Expiry)
	}
	return strings.Compare(a.Key, b.Key) < 0
}

// evictOutcome is the result of one eviction attempt.
type evictOutcome int

const (
	evictDone evictOutcome = iota
	// The lease moved since the scan.
	evictRenewed
	// Gone, pending, pinned or not on the targeted segment.
	evictIneligible
)

// maxEvictionRescans bounds the extra scans one pass spends on candidates
// whose lease was renewed under it.
const maxEvictionRescans = 3

// evictOne removes c if it is still evictable with the expiry it was
// scanned with. A renewed entry is reported so the caller can reconsider it
// at its new expiry.
func (s *Service) evictOne(c metadata.Candidate, segment *string) (uint64, evictOutcome) {
	var freed uint64
	outcome := evictIneligible
	_, _ = s.store.Update(c.Key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
		if !exists || !e.Evictable() {
			return metadata.ActionNone, nil
		}
		if segment != nil && !hasReplicaOn(e, *segment) {
			return metadata.ActionNone, nil
		}
		if !e.LeaseExpiry.Equal(c.Expiry) {
			outcome = evictRenewed
			return metadata.ActionNone, nil
		}
		freed = s.segments.free(c.Key, e.Replicas)
		outcome = evictDone
		return metadata.ActionDelete, nil
	})
	if outcome == evictDone {
		s.logger.Debug().
			Str("key", c.Key).
			Time("lease_expiry", c.Expiry).
			Msg("Evicted")
	}
	return freed, outcome
}

func hasReplicaOn(e *metadata.Entry, segment string) bool {
	for _, r := range e.Replicas {
		if r.SegmentID == segment {
			return true
		}
	}
	return false
}

// sweepLeases reclaims committed objects whose lease ran out, soft-pinned
// ones included once their longer lease has lapsed.
func (s *Service) sweepLeases(now time.Time) int {
	reclaimed := 0
	for shard := range s.store.ShardCount() {
		for {
			scan := s.store.ScanLeaseExpired(shard, now, s.cfg.SweepBatch)
			n := 0
			for _, c := range scan {
				_, _ = s.store.Update(c.Key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
					if !exists || !e.LeaseExpired(now) {
						return metadata.ActionNone, nil
					}
					s.segments.free(c.Key, e.Replicas)
					n++
					return metadata.ActionDelete, nil
				})
			}
			reclaimed += n
			if len(scan) < s.cfg.SweepBatch || n == 0 {
				break
			}
		}
	}
	if s.metrics != nil && reclaimed > 0 {
		s.metrics.LeaseExpiredKeys.Add(float64(reclaimed))
	}
	return reclaimed
}

// sweepPending reclaims pending writes whose writer never called PutEnd.
func (s *Service) sweepPending(now time.Time) int {
	reclaimed := 0
	for shard := range s.store.ShardCount() {
		for {
			scan := s.store.ScanPendingExpired(shard, now, s.cfg.SweepBatch)
			n := 0
			for _, c := range scan {
				_, _ = s.store.Update(c.Key, func(e *metadata.Entry, exists bool) (metadata.Action, error) {
					if !exists || e.Committed() || now.Before(e.PendingDeadline) {
						return metadata.ActionNone, nil
					}
					s.segments.free(c.Key, e.Replicas)
					n++
					return metadata.ActionDelete, nil
				})
			}
			reclaimed += n
			if len(scan) < s.cfg.SweepBatch || n == 0 {
				break
			}
		}
	}
	if s.metrics != nil && reclaimed > 0 {
		s.metrics.PendingExpiredKeys.Add(float64(reclaimed))
	}
	return reclaimed
}
