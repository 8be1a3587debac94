package transport

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/dramcache/dramcache/internal/topology"
)

// maxRouteAttempts bounds submission to the best route plus one fallback.
const maxRouteAttempts = 2

// candidate is one route paired with the backend that serves it.
type candidate struct {
	route   topology.Route
	backend Backend
}

// candidates returns the usable (route, backend) pairs from local memory at
// location to a region on node, best first. Topology rank decides the order
// within a backend; the node's backend preference decides it across them.
func (e *Engine) candidates(location, node, remoteLocation string) []candidate {
	routes := e.resolver.Rank(location, node, remoteLocation)
	order := e.registry.PreferredOrder(node)

	var out []candidate
	for _, rt := range routes {
		typ := BackendType(rt.Remote.Transport)
		// Regions of this engine never reach here; another engine on the
		// same node is only reachable over the network backends.
		if typ == BackendLocal || !slices.Contains(order, typ) {
			continue
		}
		b, ok := e.registry.Get(typ)
		if !ok || !b.Reachable(rt) {
			continue
		}
		out = append(out, candidate{route: rt, backend: b})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return slices.Index(order, out[i].backend.Type()) < slices.Index(order, out[j].backend.Type())
	})
	return out
}

// localCandidate is the route for copies between two regions of this engine.
func (e *Engine) localCandidate() []candidate {
	b, ok := e.registry.Get(BackendLocal)
	if !ok {
		return nil
	}
	rt := topology.Route{
		Remote: topology.Endpoint{Transport: topology.TransportLocal, Address: e.node},
		Tier:   topology.TierPreferred,
	}
	if !b.Reachable(rt) {
		return nil
	}
	return []candidate{{route: rt, backend: b}}
}

// dispatch submits tasks on the first candidate that accepts them, falling
// back once to the next-ranked candidate.
func (e *Engine) dispatch(ctx context.Context, node string, cands []candidate, tasks []Task, done func(backend BackendType, i int, err error)) error {
	if len(cands) == 0 {
		return fmt.Errorf("no route to %s: %w", node, ErrUnreachableDestination)
	}

	var lastErr error
	for i, c := range cands[:min(len(cands), maxRouteAttempts)] {
		typ := c.backend.Type()
		err := c.backend.Submit(ctx, c.route, tasks, func(idx int, err error) {
			done(typ, idx, err)
		})
		if err == nil {
			if i > 0 && e.metrics != nil {
				e.metrics.RouteFallbacks.Inc()
			}
			log.Debug().
				Str("node", node).
				Str("backend", string(typ)).
				Str("local_nic", c.route.Local).
				Str("remote", c.route.Remote.String()).
				Int("tasks", len(tasks)).
				Msg("batch routed")
			return nil
		}

		lastErr = err
		log.Debug().
			Err(err).
			Str("node", node).
			Str("backend", string(typ)).
			Str("remote", c.route.Remote.String()).
			Msg("route submission failed")
	}

	return fmt.Errorf("all routes to %s failed: %w: %w", node, ErrUnreachableDestination, lastErr)
}
