//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocate maps size bytes of anonymous memory, pinned in RAM when lock is
// set. The returned release function unmaps it.
func allocate(size uint64, lock bool) ([]byte, func() error, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	if lock {
		if err := unix.Mlock(buf); err != nil {
			_ = unix.Munmap(buf)
			return nil, nil, fmt.Errorf("mlock %d bytes: %w", size, err)
		}
	}

	release := func() error {
		if lock {
			_ = unix.Munlock(buf)
		}
		return unix.Munmap(buf)
	}
	return buf, release, nil
}
