// Package topology describes which network interfaces are closest to which
// memory locations, and ranks routes to a remote node accordingly.
package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Transport names used by endpoints.
const (
	TransportRDMA  = "rdma"
	TransportTCP   = "tcp"
	TransportLocal = "local"
)

// Endpoint is one reachable address of a node.
type Endpoint struct {
	Interface string `json:"interface,omitempty"` // NIC or device name on the owning node
	Address   string `json:"address"`             // host:port, or device address for rdma
	Transport string `json:"transport"`
	Location  string `json:"location,omitempty"` // e.g. "cpu:0"
}

// String returns a compact representation for logs.
func (e Endpoint) String() string {
	if e.Interface == "" {
		return e.Transport + "://" + e.Address
	}
	return e.Transport + "://" + e.Interface + "@" + e.Address
}

// Tier is the preference list of a location: NICs sharing its hardware
// domain first, every other usable NIC second.
type Tier struct {
	Preferred []string
	Available []string
}

// MarshalJSON encodes a tier as [[preferred...], [available...]].
func (t Tier) MarshalJSON() ([]byte, error) {
	pref := t.Preferred
	if pref == nil {
		pref = []string{}
	}
	avail := t.Available
	if avail == nil {
		avail = []string{}
	}
	return json.Marshal([2][]string{pref, avail})
}

// UnmarshalJSON decodes [[preferred...], [available...]].
func (t *Tier) UnmarshalJSON(data []byte) error {
	var raw [][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 || len(raw) > 2 {
		return fmt.Errorf("tier must have one or two lists, got %d", len(raw))
	}
	t.Preferred = raw[0]
	if len(raw) == 2 {
		t.Available = raw[1]
	}
	return nil
}

// Matrix maps a memory location ("cpu:0", "gpu:1") to its NIC tier.
type Matrix map[string]Tier

// ParseMatrix decodes a JSON matrix.
func ParseMatrix(data []byte) (Matrix, error) {
	m := Matrix{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse topology matrix: %w", err)
	}
	return m, nil
}

// LoadMatrix reads a JSON matrix from path.
func LoadMatrix(path string) (Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	return ParseMatrix(data)
}

// Locations returns the matrix locations in sorted order.
func (m Matrix) Locations() []string {
	locs := make([]string, 0, len(m))
	for loc := range m {
		locs = append(locs, loc)
	}
	sort.Strings(locs)
	return locs
}

// NICs returns every NIC mentioned by the matrix, sorted.
func (m Matrix) NICs() []string {
	seen := map[string]bool{}
	for _, t := range m {
		for _, n := range t.Preferred {
			seen[n] = true
		}
		for _, n := range t.Available {
			seen[n] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NIC is a discovered network device.
type NIC struct {
	Name     string
	NUMANode int // -1 when unknown
	RDMA     bool
}

// BuildMatrix derives a matrix from discovered hardware. Every NUMA domain
// with a CPU or accelerator gets the RDMA NICs on that domain as preferred
// and all other RDMA NICs as available. NICs with unknown affinity are
// available everywhere.
func BuildMatrix(nics []NIC, devices []Device) Matrix {
	var rdma []NIC
	for _, n := range nics {
		if n.RDMA {
			rdma = append(rdma, n)
		}
	}
	sort.Slice(rdma, func(i, j int) bool { return rdma[i].Name < rdma[j].Name })

	m := Matrix{}
	if len(devices) == 0 {
		devices = []Device{{Location: "cpu:0", NUMANode: 0}}
	}
	for _, d := range devices {
		var t Tier
		for _, n := range rdma {
			if n.NUMANode >= 0 && n.NUMANode == d.NUMANode {
				t.Preferred = append(t.Preferred, n.Name)
			} else {
				t.Available = append(t.Available, n.Name)
			}
		}
		m[d.Location] = t
	}
	return m
}

// Device is a compute locality: a CPU socket or an accelerator.
type Device struct {
	Location string
	NUMANode int
}
