package topology

import (
	"slices"
	"sort"
	"sync"
)

// Route tiers, lower is better.
const (
	TierPreferred = 0 // local NIC shares the hardware domain of the memory
	TierAvailable = 1 // local NIC is usable but farther away
	TierFallback  = 2 // kernel-routed transport, no NIC affinity
)

// Route is one way to reach a remote memory location.
type Route struct {
	Local  string // local NIC; empty when the OS picks the interface
	Remote Endpoint
	Tier   int
}

// Resolver ranks routes from local memory to a node's endpoints. Peer
// endpoints are injected by the discovery side-channel before any transfer.
type Resolver struct {
	mu     sync.RWMutex
	local  string
	matrix Matrix
	peers  map[string][]Endpoint
}

// NewResolver creates a resolver for the named local node.
func NewResolver(localNode string, m Matrix) *Resolver {
	if m == nil {
		m = Matrix{}
	}
	return &Resolver{
		local:  localNode,
		matrix: m,
		peers:  make(map[string][]Endpoint),
	}
}

// LocalNode returns the name of the node this resolver runs on.
func (r *Resolver) LocalNode() string {
	return r.local
}

// SetPeers replaces the whole node -> endpoints table.
func (r *Resolver) SetPeers(peers map[string][]Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string][]Endpoint, len(peers))
	for node, eps := range peers {
		r.peers[node] = slices.Clone(eps)
	}
}

// SetPeer sets the endpoints of one node.
func (r *Resolver) SetPeer(node string, eps []Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[node] = slices.Clone(eps)
}

// Endpoints returns the known endpoints of a node.
func (r *Resolver) Endpoints(node string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.peers[node])
}

// Rank returns the routes from memory at localLocation to memory at
// remoteLocation on node, best first. RDMA endpoints are paired with the
// local NICs of localLocation's tier; kernel-routed endpoints come last.
// Transfers within the local node get a local route ahead of everything.
func (r *Resolver) Rank(localLocation, node, remoteLocation string) []Route {
	r.mu.RLock()
	eps := slices.Clone(r.peers[node])
	tier, ok := r.matrix[localLocation]
	if !ok && len(r.matrix) > 0 {
		tier = Tier{Available: r.matrix.NICs()}
	}
	r.mu.RUnlock()

	var routes []Route
	if node == r.local {
		routes = append(routes, Route{
			Remote: Endpoint{Transport: TransportLocal, Address: node},
			Tier:   TierPreferred,
		})
	}

	for _, ep := range eps {
		switch ep.Transport {
		case TransportRDMA:
			if len(tier.Preferred) == 0 && len(tier.Available) == 0 {
				routes = append(routes, Route{Remote: ep, Tier: TierAvailable})
				continue
			}
			for _, nic := range tier.Preferred {
				routes = append(routes, Route{Local: nic, Remote: ep, Tier: TierPreferred})
			}
			for _, nic := range tier.Available {
				routes = append(routes, Route{Local: nic, Remote: ep, Tier: TierAvailable})
			}
		case TransportLocal:
			// Only meaningful on the owning node, handled above.
		default:
			routes = append(routes, Route{Remote: ep, Tier: TierFallback})
		}
	}

	mismatch := func(rt Route) int {
		if remoteLocation == "" || rt.Remote.Location == "" || rt.Remote.Location == remoteLocation {
			return 0
		}
		return 1
	}
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Tier != routes[j].Tier {
			return routes[i].Tier < routes[j].Tier
		}
		return mismatch(routes[i]) < mismatch(routes[j])
	})
	return routes
}
