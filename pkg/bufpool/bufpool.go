// Package bufpool provides size-classed byte slices for frame payloads.
//
// Slices up to the largest class come from a sync.Pool per class; larger
// requests are allocated directly and dropped on Put.
//
//	buf := bufpool.Get(n)
//	defer bufpool.Put(buf)
package bufpool

import (
	"slices"
	"sync"
)

// Default size classes.
const (
	SmallSize  = 4 << 10
	MediumSize = 64 << 10
	LargeSize  = 1 << 20
)

// Pool hands out buffers from a fixed set of size classes.
type Pool struct {
	sizes []int
	pools []sync.Pool
}

// New creates a pool with the given class sizes. With no sizes the default
// small, medium and large classes are used.
func New(sizes ...int) *Pool {
	if len(sizes) == 0 {
		sizes = []int{SmallSize, MediumSize, LargeSize}
	}
	sizes = slices.Clone(sizes)
	slices.Sort(sizes)
	sizes = slices.Compact(sizes)

	p := &Pool{
		sizes: sizes,
		pools: make([]sync.Pool, len(sizes)),
	}
	for i, size := range sizes {
		p.pools[i].New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
	return p
}

// class returns the index of the smallest class holding size, or -1.
func (p *Pool) class(size int) int {
	i, _ := slices.BinarySearch(p.sizes, size)
	if i == len(p.sizes) {
		return -1
	}
	return i
}

// Get returns a slice of length size. Its capacity is the class size.
func (p *Pool) Get(size int) []byte {
	i := p.class(size)
	if i < 0 {
		return make([]byte, size)
	}
	buf := *p.pools[i].Get().(*[]byte)
	return buf[:size]
}

// Put returns a buffer obtained from Get. Buffers whose capacity is not a
// class size are left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	i, ok := slices.BinarySearch(p.sizes, cap(buf))
	if !ok {
		return
	}
	buf = buf[:cap(buf)]
	p.pools[i].Put(&buf)
}

var global = New()

// Get returns a buffer from the package pool.
func Get(size int) []byte {
	return global.Get(size)
}

// Put returns a buffer to the package pool.
func Put(buf []byte) {
	global.Put(buf)
}
