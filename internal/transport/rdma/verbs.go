// Package rdma implements the zero-copy backend. It drives devices through a
// small verbs-like interface: memory regions are registered per device,
// one-sided READ and WRITE work requests are posted to a send queue, and
// results come back on a completion queue.
package rdma

import (
	"errors"
	"sync/atomic"
)

// Device errors.
var (
	ErrTooManyRegions = errors.New("rdma: memory region limit reached")
	ErrQueueFull      = errors.New("rdma: send queue full")
	ErrDeviceClosed   = errors.New("rdma: device closed")
	ErrUnknownPeer    = errors.New("rdma: peer device unknown")
	ErrRemoteAccess   = errors.New("rdma: remote access error")
	ErrLocalAccess    = errors.New("rdma: local protection error")
)

// Opcode is the operation of a work request.
type Opcode int

const (
	OpcodeWrite Opcode = iota
	OpcodeRead
)

// Access flags of a memory region.
type Access int

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteRead
	AccessRemoteWrite
)

// MemoryRegion is a buffer registered with one device.
type MemoryRegion struct {
	Key    string
	Buf    []byte
	Access Access

	valid atomic.Bool
}

// Valid reports whether the region is still registered.
func (mr *MemoryRegion) Valid() bool {
	return mr.valid.Load()
}

// WorkRequest is a one-sided operation between a local region and a region
// registered on a peer device.
type WorkRequest struct {
	ID           uint64
	Opcode       Opcode
	Local        *MemoryRegion
	LocalOffset  uint64
	Length       uint64
	RemoteAddr   string
	RemoteKey    string
	RemoteOffset uint64
}

// Completion reports the outcome of a work request.
type Completion struct {
	ID     uint64
	Bytes  uint64
	Status error
}

// Device is an RDMA-capable NIC.
type Device interface {
	// Name is the NIC name, as used in topology matrices.
	Name() string
	// Addr is the fabric address peers use to reach this device.
	Addr() string
	RegisterMR(key string, buf []byte, access Access) (*MemoryRegion, error)
	DeregisterMR(key string) error
	// CanReach reports whether a peer device address is reachable.
	CanReach(addr string) bool
	PostSend(wr WorkRequest) error
	// Completions is closed when the device closes.
	Completions() <-chan Completion
	Close() error
}
