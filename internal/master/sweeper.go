package master

import (
	"context"
	"time"
)

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	PendingExpired int `json:"pending_expired"`
	LeaseExpired   int `json:"lease_expired"`
	NodesExpired   int `json:"nodes_expired"`
}

// Start runs the background sweeper and eviction loops until Close.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.runSweeper()
	go s.runEviction()
	s.logger.Info().
		Dur("sweep_interval", s.cfg.SweepInterval).
		Dur("eviction_interval", s.cfg.Eviction.Interval).
		Msg("Master background loops started")
}

// Close stops the background loops. Operations after Close fail with ErrClosed.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Master stopped")
	return nil
}

// Closed reports whether Close has been called.
func (s *Service) Closed() bool {
	return s.closed.Load()
}

// Sweep runs one pass of every periodic reclamation: abandoned pending
// writes, expired leases and nodes that stopped sending keepalives.
func (s *Service) Sweep() SweepResult {
	now := s.now()
	res := SweepResult{
		PendingExpired: s.sweepPending(now),
		LeaseExpired:   s.sweepLeases(now),
		NodesExpired:   s.expireNodes(now),
	}
	if res != (SweepResult{}) {
		s.logger.Debug().
			Int("pending_expired", res.PendingExpired).
			Int("lease_expired", res.LeaseExpired).
			Int("nodes_expired", res.NodesExpired).
			Msg("Sweep reclaimed entries")
	}
	s.updateGauges()
	return res
}

// expireNodes unmounts every segment of nodes whose keepalive is stale.
func (s *Service) expireNodes(now time.Time) int {
	stale := s.segments.staleNodes(now, s.cfg.NodeTTL)
	for _, node := range stale {
		s.logger.Warn().Str("node", node).Dur("ttl", s.cfg.NodeTTL).Msg("Node missed keepalives, unmounting its segments")
		for _, id := range s.segments.segmentsOf(node) {
			if err := s.UnmountSegment(context.Background(), id); err != nil {
				s.logger.Debug().Err(err).Str("segment", id).Msg("Unmount of stale segment failed")
			}
		}
	}
	return len(stale)
}

func (s *Service) runSweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Service) runEviction() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Eviction.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.EvictIfNeeded()
		}
	}
}
