package rdma

import (
	"fmt"
	"sync"
)

// Defaults of a software fabric.
const (
	DefaultMaxRegions = 1024
	DefaultQueueDepth = 256
)

// FabricConfig holds software fabric settings.
type FabricConfig struct {
	// MaxRegions caps memory regions per device.
	MaxRegions int
	// QueueDepth is the send and completion queue capacity per device.
	QueueDepth int
}

// Fabric is an in-process RDMA fabric. Devices opened on the same fabric
// reach each other, and work requests copy directly between registered
// buffers. It stands in for verbs hardware on hosts without it and in tests.
type Fabric struct {
	cfg FabricConfig

	mu      sync.RWMutex
	devices map[string]*SoftDevice // by address
}

// NewFabric creates an empty fabric.
func NewFabric(cfg FabricConfig) *Fabric {
	if cfg.MaxRegions <= 0 {
		cfg.MaxRegions = DefaultMaxRegions
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Fabric{
		cfg:     cfg,
		devices: make(map[string]*SoftDevice),
	}
}

// Open attaches a device named name at addr.
func (f *Fabric) Open(name, addr string) (*SoftDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.devices[addr]; ok {
		return nil, fmt.Errorf("rdma: address %s in use", addr)
	}
	d := &SoftDevice{
		fabric: f,
		name:   name,
		addr:   addr,
		mrs:    make(map[string]*MemoryRegion),
		sq:     make(chan WorkRequest, f.cfg.QueueDepth),
		cq:     make(chan Completion, f.cfg.QueueDepth),
		stop:   make(chan struct{}),
	}
	f.devices[addr] = d
	d.wg.Go(d.run)
	return d, nil
}

// Detach removes a device from the fabric, as if its link went down. The
// device keeps running but peers can no longer reach it.
func (f *Fabric) Detach(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, addr)
}

func (f *Fabric) lookup(addr string) (*SoftDevice, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.devices[addr]
	return d, ok
}

// SoftDevice is a device on a software fabric.
type SoftDevice struct {
	fabric *Fabric
	name   string
	addr   string

	mu     sync.RWMutex
	mrs    map[string]*MemoryRegion
	closed bool

	sq   chan WorkRequest
	cq   chan Completion
	stop chan struct{}
	wg   sync.WaitGroup
}

// Name returns the NIC name.
func (d *SoftDevice) Name() string { return d.name }

// Addr returns the fabric address.
func (d *SoftDevice) Addr() string { return d.addr }

// RegisterMR registers buf under key.
func (d *SoftDevice) RegisterMR(key string, buf []byte, access Access) (*MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}
	if _, ok := d.mrs[key]; ok {
		return nil, fmt.Errorf("rdma: %s: region %s already registered", d.name, key)
	}
	if len(d.mrs) >= d.fabric.cfg.MaxRegions {
		return nil, fmt.Errorf("%s: %w (%d)", d.name, ErrTooManyRegions, d.fabric.cfg.MaxRegions)
	}
	mr := &MemoryRegion{Key: key, Buf: buf, Access: access}
	mr.valid.Store(true)
	d.mrs[key] = mr
	return mr, nil
}

// DeregisterMR invalidates and removes a region.
func (d *SoftDevice) DeregisterMR(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	mr, ok := d.mrs[key]
	if !ok {
		return fmt.Errorf("rdma: %s: region %s not registered", d.name, key)
	}
	mr.valid.Store(false)
	delete(d.mrs, key)
	return nil
}

// CanReach reports whether addr is attached to the fabric.
func (d *SoftDevice) CanReach(addr string) bool {
	_, ok := d.fabric.lookup(addr)
	return ok
}

// PostSend queues a work request without blocking.
func (d *SoftDevice) PostSend(wr WorkRequest) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDeviceClosed
	}
	select {
	case d.sq <- wr:
		return nil
	default:
		return ErrQueueFull
	}
}

// Completions returns the completion queue.
func (d *SoftDevice) Completions() <-chan Completion {
	return d.cq
}

// Close stops the device. Queued work requests complete with ErrDeviceClosed.
func (d *SoftDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
	d.fabric.mu.Lock()
	if d.fabric.devices[d.addr] == d {
		delete(d.fabric.devices, d.addr)
	}
	d.fabric.mu.Unlock()
	close(d.cq)
	return nil
}

func (d *SoftDevice) run() {
	for {
		select {
		case <-d.stop:
			for {
				select {
				case wr := <-d.sq:
					d.cq <- Completion{ID: wr.ID, Status: ErrDeviceClosed}
				default:
					return
				}
			}
		case wr := <-d.sq:
			d.cq <- d.execute(wr)
		}
	}
}

func (d *SoftDevice) region(key string) (*MemoryRegion, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mr, ok := d.mrs[key]
	return mr, ok
}

// execute performs a one-sided operation, copying straight between the two
// registered buffers.
func (d *SoftDevice) execute(wr WorkRequest) Completion {
	c := Completion{ID: wr.ID}

	if wr.Local == nil || !wr.Local.Valid() || !inRange(wr.LocalOffset, wr.Length, len(wr.Local.Buf)) {
		c.Status = ErrLocalAccess
		return c
	}
	peer, ok := d.fabric.lookup(wr.RemoteAddr)
	if !ok {
		c.Status = fmt.Errorf("%w: %s", ErrUnknownPeer, wr.RemoteAddr)
		return c
	}
	remote, ok := peer.region(wr.RemoteKey)
	if !ok || !remote.Valid() || !inRange(wr.RemoteOffset, wr.Length, len(remote.Buf)) {
		c.Status = fmt.Errorf("%w: region %s on %s", ErrRemoteAccess, wr.RemoteKey, wr.RemoteAddr)
		return c
	}

	local := wr.Local.Buf[wr.LocalOffset : wr.LocalOffset+wr.Length]
	target := remote.Buf[wr.RemoteOffset : wr.RemoteOffset+wr.Length]
	switch wr.Opcode {
	case OpcodeWrite:
		if remote.Access&AccessRemoteWrite == 0 {
			c.Status = fmt.Errorf("%w: region %s is not remote writable", ErrRemoteAccess, wr.RemoteKey)
			return c
		}
		copy(target, local)
	case OpcodeRead:
		if remote.Access&AccessRemoteRead == 0 {
			c.Status = fmt.Errorf("%w: region %s is not remote readable", ErrRemoteAccess, wr.RemoteKey)
			return c
		}
		copy(local, target)
	}
	c.Bytes = wr.Length
	return c
}

func inRange(offset, length uint64, size int) bool {
	return length > 0 && offset <= uint64(size) && length <= uint64(size)-offset
}
