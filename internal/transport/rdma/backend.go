package rdma

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dramcache/dramcache/internal/topology"
	"github.com/dramcache/dramcache/internal/transport"
)

// Config holds RDMA backend settings.
type Config struct {
	Devices []Device
	Logger  zerolog.Logger
}

type pendingWR struct {
	idx  int
	done func(int, error)
}

// Backend is the zero-copy transport. Every region is registered with every
// device so any local NIC can serve it.
type Backend struct {
	devices map[string]Device
	names   []string // sorted device names
	logger  zerolog.Logger

	mu      sync.Mutex
	mrs     map[transport.Handle]map[string]*MemoryRegion
	pending map[uint64]pendingWR
	closed  bool

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// New creates an RDMA backend over devices and starts one completion poller
// per device.
func New(cfg Config) (*Backend, error) {
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("rdma: no devices")
	}
	b := &Backend{
		devices: make(map[string]Device, len(cfg.Devices)),
		logger:  cfg.Logger.With().Str("component", "rdma").Logger(),
		mrs:     make(map[transport.Handle]map[string]*MemoryRegion),
		pending: make(map[uint64]pendingWR),
	}
	for _, d := range cfg.Devices {
		if _, ok := b.devices[d.Name()]; ok {
			return nil, fmt.Errorf("rdma: duplicate device %s", d.Name())
		}
		b.devices[d.Name()] = d
		b.names = append(b.names, d.Name())
	}
	sort.Strings(b.names)

	for _, d := range cfg.Devices {
		b.wg.Go(func() { b.poll(d) })
	}
	return b, nil
}

// Type returns the backend type identifier.
func (b *Backend) Type() transport.BackendType {
	return transport.BackendRDMA
}

// Endpoints returns one endpoint per device for publication to peers.
func (b *Backend) Endpoints(location func(nic string) string) []topology.Endpoint {
	out := make([]topology.Endpoint, 0, len(b.names))
	for _, name := range b.names {
		ep := topology.Endpoint{
			Interface: name,
			Address:   b.devices[name].Addr(),
			Transport: topology.TransportRDMA,
		}
		if location != nil {
			ep.Location = location(name)
		}
		out = append(out, ep)
	}
	return out
}

// RegisterMemory registers r with every device.
func (b *Backend) RegisterMemory(r *transport.Region) error {
	access := AccessLocalWrite
	if r.RemoteAccessible {
		access |= AccessRemoteRead | AccessRemoteWrite
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transport.ErrEngineClosed
	}
	regs := make(map[string]*MemoryRegion, len(b.devices))
	for _, name := range b.names {
		mr, err := b.devices[name].RegisterMR(string(r.Handle), r.Buf, access)
		if err != nil {
			for n := range regs {
				_ = b.devices[n].DeregisterMR(string(r.Handle))
			}
			return fmt.Errorf("%w: %w", transport.ErrRegistrationFailed, err)
		}
		regs[name] = mr
	}
	b.mrs[r.Handle] = regs
	return nil
}

// UnregisterMemory deregisters a region from every device.
func (b *Backend) UnregisterMemory(h transport.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs, ok := b.mrs[h]
	if !ok {
		return fmt.Errorf("rdma: %s: %w", h, transport.ErrInvalidHandle)
	}
	var errs []error
	for name := range regs {
		if err := b.devices[name].DeregisterMR(string(h)); err != nil {
			errs = append(errs, err)
		}
	}
	delete(b.mrs, h)
	return errors.Join(errs...)
}

// device picks the local NIC of a route; an empty name means any NIC.
func (b *Backend) device(nic string) (Device, bool) {
	if nic == "" {
		if len(b.names) == 0 {
			return nil, false
		}
		return b.devices[b.names[0]], true
	}
	d, ok := b.devices[nic]
	return d, ok
}

// Reachable reports whether the route's local NIC can reach the remote device.
func (b *Backend) Reachable(route topology.Route) bool {
	if route.Remote.Transport != topology.TransportRDMA {
		return false
	}
	d, ok := b.device(route.Local)
	return ok && d.CanReach(route.Remote.Address)
}

// Submit posts one work request per task on the route's NIC.
func (b *Backend) Submit(ctx context.Context, route topology.Route, tasks []transport.Task, done func(int, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, ok := b.device(route.Local)
	if !ok {
		return fmt.Errorf("rdma: no device %q", route.Local)
	}
	if !d.CanReach(route.Remote.Address) {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, route.Remote.Address)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrEngineClosed
	}
	wrs := make([]WorkRequest, len(tasks))
	for i, t := range tasks {
		mr, ok := b.mrs[t.Local.Handle][d.Name()]
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("rdma: %s not registered on %s: %w", t.Local.Handle, d.Name(), transport.ErrInvalidHandle)
		}
		op := OpcodeWrite
		if t.Op == transport.OpRead {
			op = OpcodeRead
		}
		wrs[i] = WorkRequest{
			ID:           b.nextID.Add(1),
			Opcode:       op,
			Local:        mr,
			LocalOffset:  t.LocalOffset,
			Length:       t.Length,
			RemoteAddr:   route.Remote.Address,
			RemoteKey:    string(t.Remote),
			RemoteOffset: t.RemoteOffset,
		}
		b.pending[wrs[i].ID] = pendingWR{idx: i, done: done}
	}
	b.mu.Unlock()

	for i, wr := range wrs {
		if err := d.PostSend(wr); err != nil {
			if i == 0 {
				// Nothing issued yet; let the engine try another route.
				b.forget(wrs)
				return err
			}
			if p, ok := b.take(wr.ID); ok {
				p.done(p.idx, err)
			}
		}
	}
	return nil
}

func (b *Backend) take(id uint64) (pendingWR, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	return p, ok
}

func (b *Backend) forget(wrs []WorkRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, wr := range wrs {
		delete(b.pending, wr.ID)
	}
}

// poll dispatches completions of one device until its queue closes.
func (b *Backend) poll(d Device) {
	for c := range d.Completions() {
		p, ok := b.take(c.ID)
		if !ok {
			continue
		}
		if c.Status != nil {
			b.logger.Debug().Err(c.Status).Str("device", d.Name()).Uint64("wr", c.ID).Msg("Work request failed")
		}
		p.done(p.idx, c.Status)
	}
}

// Close closes every device and fails requests still pending.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	for _, name := range b.names {
		if err := b.devices[name].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()

	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[uint64]pendingWR)
	b.mu.Unlock()
	for _, p := range pending {
		p.done(p.idx, ErrDeviceClosed)
	}
	return errors.Join(errs...)
}
