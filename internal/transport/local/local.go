// Package local implements the same-process backend: a copy between two
// regions registered with the same engine.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/dramcache/dramcache/internal/topology"
	"github.com/dramcache/dramcache/internal/transport"
)

// Backend copies between local regions.
type Backend struct {
	mu      sync.RWMutex
	regions map[transport.Handle]*transport.Region
	closed  bool
}

// New creates a local backend.
func New() *Backend {
	return &Backend{regions: make(map[transport.Handle]*transport.Region)}
}

// Type returns the backend type identifier.
func (b *Backend) Type() transport.BackendType {
	return transport.BackendLocal
}

// RegisterMemory records r as a copy target.
func (b *Backend) RegisterMemory(r *transport.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transport.ErrEngineClosed
	}
	b.regions[r.Handle] = r
	return nil
}

// UnregisterMemory forgets a region.
func (b *Backend) UnregisterMemory(h transport.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.regions[h]; !ok {
		return fmt.Errorf("local: %s: %w", h, transport.ErrInvalidHandle)
	}
	delete(b.regions, h)
	return nil
}

// Reachable reports whether route is a same-process route.
func (b *Backend) Reachable(route topology.Route) bool {
	return route.Remote.Transport == topology.TransportLocal
}

// Submit copies each task on a background goroutine.
func (b *Backend) Submit(ctx context.Context, _ topology.Route, tasks []transport.Task, done func(int, error)) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return transport.ErrEngineClosed
	}
	targets := make([][]byte, len(tasks))
	for i, t := range tasks {
		r, ok := b.regions[t.Remote]
		if !ok {
			b.mu.RUnlock()
			return fmt.Errorf("local: %s: %w", t.Remote, transport.ErrInvalidHandle)
		}
		if err := transport.CheckRange(t.RemoteOffset, t.Length, uint64(len(r.Buf))); err != nil {
			b.mu.RUnlock()
			return err
		}
		targets[i] = r.Buf[t.RemoteOffset : t.RemoteOffset+t.Length]
	}
	b.mu.RUnlock()

	go func() {
		for i, t := range tasks {
			if err := ctx.Err(); err != nil {
				done(i, err)
				continue
			}
			switch t.Op {
			case transport.OpWrite:
				copy(targets[i], t.LocalBytes())
			case transport.OpRead:
				copy(t.LocalBytes(), targets[i])
			}
			done(i, nil)
		}
	}()
	return nil
}

// Close stops accepting work.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	clear(b.regions)
	return nil
}
