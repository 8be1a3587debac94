package metadata

import (
	"container/heap"
	"time"
)

// indexItem is one key in an expiry index.
type indexItem struct {
	key    string
	expiry time.Time
	pos    int
}

// lessItem orders by expiry, then by key so equal expiries have a stable order.
func lessItem(a, b *indexItem) bool {
	if !a.expiry.Equal(b.expiry) {
		return a.expiry.Before(b.expiry)
	}
	return a.key < b.key
}

// expiryIndex is an indexed min-heap of keys ordered by expiry.
// It is owned by a shard and only touched under the shard lock.
type expiryIndex struct {
	items []*indexItem
	byKey map[string]*indexItem
}

func newExpiryIndex() *expiryIndex {
	return &expiryIndex{byKey: make(map[string]*indexItem)}
}

func (ix *expiryIndex) Len() int           { return len(ix.items) }
func (ix *expiryIndex) Less(i, j int) bool { return lessItem(ix.items[i], ix.items[j]) }

func (ix *expiryIndex) Swap(i, j int) {
	ix.items[i], ix.items[j] = ix.items[j], ix.items[i]
	ix.items[i].pos = i
	ix.items[j].pos = j
}

func (ix *expiryIndex) Push(x any) {
	it := x.(*indexItem)
	it.pos = len(ix.items)
	ix.items = append(ix.items, it)
}

func (ix *expiryIndex) Pop() any {
	n := len(ix.items)
	it := ix.items[n-1]
	ix.items[n-1] = nil
	ix.items = ix.items[:n-1]
	it.pos = -1
	return it
}

// set inserts key or moves it to its new expiry.
func (ix *expiryIndex) set(key string, expiry time.Time) {
	if it, ok := ix.byKey[key]; ok {
		if it.expiry.Equal(expiry) {
			return
		}
		it.expiry = expiry
		heap.Fix(ix, it.pos)
		return
	}
	it := &indexItem{key: key, expiry: expiry}
	ix.byKey[key] = it
	heap.Push(ix, it)
}

// remove drops key from the index if present.
func (ix *expiryIndex) remove(key string) {
	it, ok := ix.byKey[key]
	if !ok {
		return
	}
	heap.Remove(ix, it.pos)
	delete(ix.byKey, key)
}

// walk visits items in ascending order without mutating the heap until fn
// returns false. Cost is O(k log k) for k visited items.
func (ix *expiryIndex) walk(fn func(key string, expiry time.Time) bool) {
	if len(ix.items) == 0 {
		return
	}
	f := &frontier{ix: ix, pos: []int{0}}
	for f.Len() > 0 {
		p := heap.Pop(f).(int)
		it := ix.items[p]
		if !fn(it.key, it.expiry) {
			return
		}
		for _, c := range [2]int{2*p + 1, 2*p + 2} {
			if c < len(ix.items) {
				heap.Push(f, c)
			}
		}
	}
}

// frontier is the candidate set of a best-first heap traversal.
type frontier struct {
	ix  *expiryIndex
	pos []int
}

func (f *frontier) Len() int { return len(f.pos) }
func (f *frontier) Less(i, j int) bool {
	return lessItem(f.ix.items[f.pos[i]], f.ix.items[f.pos[j]])
}
func (f *frontier) Swap(i, j int) { f.pos[i], f.pos[j] = f.pos[j], f.pos[i] }
func (f *frontier) Push(x any)    { f.pos = append(f.pos, x.(int)) }
func (f *frontier) Pop() any {
	n := len(f.pos)
	p := f.pos[n-1]
	f.pos = f.pos[:n-1]
	return p
}
