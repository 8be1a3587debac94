package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSizeClasses(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"zero", 0, SmallSize},
		{"small", 100, SmallSize},
		{"small boundary", SmallSize, SmallSize},
		{"medium", SmallSize + 1, MediumSize},
		{"medium boundary", MediumSize, MediumSize},
		{"large", 100 << 10, LargeSize},
		{"large boundary", LargeSize, LargeSize},
		{"oversized", LargeSize + 1, LargeSize + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Get(tt.size)
			defer Put(buf)

			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
		})
	}
}

func TestCustomClasses(t *testing.T) {
	p := New(512, 128, 512)

	assert.Equal(t, 128, cap(p.Get(1)))
	assert.Equal(t, 512, cap(p.Get(129)))
	assert.Equal(t, 513, cap(p.Get(513)))
}

func TestPutIgnoresForeignBuffers(t *testing.T) {
	p := New(64)

	p.Put(nil)
	p.Put(make([]byte, 10))

	buf := p.Get(10)
	assert.Equal(t, 64, cap(buf))
}

func TestReuse(t *testing.T) {
	p := New(64)

	buf := p.Get(64)
	buf[0] = 0xAB
	p.Put(buf[:1])

	again := p.Get(32)
	assert.Len(t, again, 32)
	assert.Equal(t, 64, cap(again))
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Go(func() {
			for j := range 100 {
				size := (i*100 + j) * 97 % (2 * MediumSize)
				buf := Get(size)
				for k := range buf {
					buf[k] = byte(i)
				}
				Put(buf)
			}
		})
	}
	wg.Wait()
}
