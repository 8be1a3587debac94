// Package allocator hands out non-overlapping byte ranges of one mounted
// memory segment.
package allocator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// DefaultAlignment is the default allocation granularity in bytes.
const DefaultAlignment = 64

var (
	ErrNoSpace     = errors.New("no contiguous free range large enough")
	ErrInvalidFree = errors.New("range is not allocated")
	ErrInvalidSize = errors.New("invalid allocation size")
)

// span is a free range [offset, offset+length).
type span struct {
	offset uint64
	length uint64
}

// Allocator is a first-fit free-list allocator with coalescing.
// It is safe for concurrent use.
type Allocator struct {
	mu        sync.Mutex
	capacity  uint64
	alignment uint64
	free      []span            // sorted by offset, never adjacent
	allocated map[uint64]uint64 // offset -> aligned length
	used      uint64
}

// New creates an allocator over [0, capacity). A zero alignment selects
// DefaultAlignment; capacity is rounded down to the alignment.
func New(capacity, alignment uint64) *Allocator {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	capacity -= capacity % alignment
	a := &Allocator{
		capacity:  capacity,
		alignment: alignment,
		allocated: make(map[uint64]uint64),
	}
	if capacity > 0 {
		a.free = []span{{offset: 0, length: capacity}}
	}
	return a
}

// align rounds n up to the allocation granularity. It reports false when
// the rounded size does not fit in a uint64.
func (a *Allocator) align(n uint64) (uint64, bool) {
	rem := n % a.alignment
	if rem == 0 {
		return n, true
	}
	pad := a.alignment - rem
	if n > math.MaxUint64-pad {
		return 0, false
	}
	return n + pad, true
}

// Allocate reserves n bytes and returns the offset of the range.
func (a *Allocator) Allocate(n uint64) (uint64, error) {
	if n == 0 {
		return 0, ErrInvalidSize
	}
	size, ok := a.align(n)
	if !ok {
		return 0, fmt.Errorf("allocate %d bytes: %w", n, ErrInvalidSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		if s.length < size {
			continue
		}
		off := s.offset
		if s.length == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{offset: s.offset + size, length: s.length - size}
		}
		a.allocated[off] = size
		a.used += size
		return off, nil
	}
	return 0, fmt.Errorf("allocate %d bytes: %w", n, ErrNoSpace)
}

// Free releases the range previously returned at offset.
func (a *Allocator) Free(offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.allocated[offset]
	if !ok {
		return fmt.Errorf("free offset %d: %w", offset, ErrInvalidFree)
	}
	delete(a.allocated, offset)
	a.used -= size

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].offset > offset })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{offset: offset, length: size}

	// Merge with the following span, then the preceding one.
	if i+1 < len(a.free) && a.free[i].offset+a.free[i].length == a.free[i+1].offset {
		a.free[i].length += a.free[i+1].length
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].offset+a.free[i-1].length == a.free[i].offset {
		a.free[i-1].length += a.free[i].length
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// SizeOf returns the aligned size reserved at offset.
func (a *Allocator) SizeOf(offset uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.allocated[offset]
	return size, ok
}

// Capacity returns the usable size of the segment.
func (a *Allocator) Capacity() uint64 {
	return a.capacity
}

// Used returns the number of reserved bytes, alignment padding included.
func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Available returns the number of free bytes.
func (a *Allocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity - a.used
}

// LargestFree returns the size of the largest contiguous free range.
func (a *Allocator) LargestFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var largest uint64
	for _, s := range a.free {
		largest = max(largest, s.length)
	}
	return largest
}

// Fits reports whether n bytes can currently be allocated.
func (a *Allocator) Fits(n uint64) bool {
	size, ok := a.align(n)
	return n > 0 && ok && a.LargestFree() >= size
}
