package metadata

import (
	"slices"
	"time"
)

// WriteState is the write lifecycle of an entry.
type WriteState int

const (
	StatePending WriteState = iota
	StateCommitted
)

// String returns a string representation of the write state.
func (s WriteState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// ReplicaType identifies the medium a replica lives on.
type ReplicaType int

const (
	ReplicaMemory ReplicaType = iota
	ReplicaDisk
)

// String returns a string representation of the replica type.
func (t ReplicaType) String() string {
	switch t {
	case ReplicaMemory:
		return "memory"
	case ReplicaDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// ReplicaStatus is the validity of a single replica.
type ReplicaStatus int

const (
	ReplicaPending ReplicaStatus = iota
	ReplicaComplete
)

// String returns a string representation of the replica status.
func (s ReplicaStatus) String() string {
	switch s {
	case ReplicaPending:
		return "pending"
	case ReplicaComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Replica locates one physical copy of an object inside a mounted segment.
// Offset and Length address a byte range of the segment's registered memory.
type Replica struct {
	ID        string        `json:"id"`
	SegmentID string        `json:"segment_id"`
	NodeName  string        `json:"node_name"`
	Offset    uint64        `json:"offset"`
	Length    uint64        `json:"length"`
	Status    ReplicaStatus `json:"status"`
	Type      ReplicaType   `json:"type"`
}

// Valid reports whether the replica holds committed data.
func (r Replica) Valid() bool {
	return r.Status == ReplicaComplete
}

// Entry is the metadata of one cache object.
type Entry struct {
	Key          string
	Size         uint64
	SliceLengths []uint64
	Replicas     []Replica
	State        WriteState
	SoftPin      bool

	// LeaseExpiry is meaningful for committed entries only.
	LeaseExpiry time.Time
	// PendingDeadline bounds how long a write may stay pending.
	PendingDeadline time.Time
	CreatedAt       time.Time
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() Entry {
	c := *e
	c.SliceLengths = slices.Clone(e.SliceLengths)
	c.Replicas = slices.Clone(e.Replicas)
	return c
}

// Committed reports whether the entry has been committed by PutEnd.
func (e *Entry) Committed() bool {
	return e.State == StateCommitted
}

// Renew extends the lease to until. Leases never move backward; the return
// value reports whether the expiry changed.
func (e *Entry) Renew(until time.Time) bool {
	if !until.After(e.LeaseExpiry) {
		return false
	}
	e.LeaseExpiry = until
	return true
}

// LeaseExpired reports whether a committed entry's lease has run out.
func (e *Entry) LeaseExpired(now time.Time) bool {
	return e.Committed() && !now.Before(e.LeaseExpiry)
}

// Evictable reports whether memory pressure may reclaim the entry.
// Pending writes and soft-pinned entries are never evicted.
func (e *Entry) Evictable() bool {
	return e.Committed() && !e.SoftPin
}

// ValidReplicas returns the replicas that hold committed data.
func (e *Entry) ValidReplicas() []Replica {
	out := make([]Replica, 0, len(e.Replicas))
	for _, r := range e.Replicas {
		if r.Valid() {
			out = append(out, r)
		}
	}
	return out
}

// SliceOffsets returns the byte offset of each slice within a replica.
func (e *Entry) SliceOffsets() []uint64 {
	offsets := make([]uint64, len(e.SliceLengths))
	var off uint64
	for i, l := range e.SliceLengths {
		offsets[i] = off
		off += l
	}
	return offsets
}
