// Package transport provides the transfer engine: a pluggable abstraction
// that moves bytes between registered memory regions over RDMA, TCP or a
// same-process copy, batching requests and picking interfaces by topology.
package transport

import (
	"context"
	"fmt"

	"github.com/dramcache/dramcache/internal/topology"
)

// BackendType identifies a backend implementation. Values match the
// transport names of topology endpoints.
type BackendType string

const (
	BackendLocal BackendType = topology.TransportLocal
	BackendRDMA  BackendType = topology.TransportRDMA
	BackendTCP   BackendType = topology.TransportTCP
)

// Handle identifies a registered memory region. Handles of remote regions
// are published by their owner through discovery.
type Handle string

// Region is a registered local memory region. The engine never owns Buf; it
// only holds a lease on it while a batch touches it.
type Region struct {
	Handle           Handle
	Buf              []byte
	Location         string // e.g. "cpu:0"
	RemoteAccessible bool
}

// RemoteRegion describes a region registered by another engine.
type RemoteRegion struct {
	Handle   Handle `json:"handle"`
	Node     string `json:"node"`
	Length   uint64 `json:"length"`
	Location string `json:"location,omitempty"`
}

// Op is the direction of a task relative to the local region.
type Op int

const (
	// OpWrite copies local memory into the remote region.
	OpWrite Op = iota
	// OpRead copies the remote region into local memory.
	OpRead
)

// String returns a string representation of the op.
func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	default:
		return "unknown"
	}
}

// Task is one contiguous copy handed to a backend.
type Task struct {
	Op           Op
	Local        *Region
	LocalOffset  uint64
	Remote       Handle
	RemoteOffset uint64
	Length       uint64
}

// LocalBytes returns the slice of local memory the task touches.
func (t Task) LocalBytes() []byte {
	return t.Local.Buf[t.LocalOffset : t.LocalOffset+t.Length]
}

// Backend moves bytes over one medium.
//
// Submit issues tasks asynchronously and calls done exactly once per task.
// An error from Submit means nothing was issued and the engine may try
// another route; failures after issue are reported through done and are
// never retried.
type Backend interface {
	// Type returns the backend type identifier.
	Type() BackendType

	// RegisterMemory makes a local region available to the backend.
	RegisterMemory(r *Region) error

	// UnregisterMemory releases a region registered with RegisterMemory.
	UnregisterMemory(h Handle) error

	// Reachable reports whether the backend can use route.
	Reachable(route topology.Route) bool

	// Submit issues tasks over route.
	Submit(ctx context.Context, route topology.Route, tasks []Task, done func(i int, err error)) error

	// Close shuts down the backend and releases resources.
	Close() error
}

// Request is one entry of a batch: copy Length bytes from the source region
// at SourceOffset to the destination region at DestOffset. At least one side
// must be a local region.
type Request struct {
	Source       Handle `json:"source"`
	SourceOffset uint64 `json:"source_offset"`
	Dest         Handle `json:"dest"`
	DestOffset   uint64 `json:"dest_offset"`
	Length       uint64 `json:"length"`
}

// String returns a compact representation for logs.
func (r Request) String() string {
	return fmt.Sprintf("%s+%d -> %s+%d (%d bytes)", r.Source, r.SourceOffset, r.Dest, r.DestOffset, r.Length)
}

// CheckRange reports whether [offset, offset+length) lies within size bytes.
func CheckRange(offset, length, size uint64) error {
	if length == 0 || offset > size || length > size-offset {
		return fmt.Errorf("range %d+%d of %d bytes: %w", offset, length, size, ErrOutOfRange)
	}
	return nil
}
