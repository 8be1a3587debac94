//go:build !linux

package storage

import "fmt"

// allocate falls back to heap memory where anonymous mappings are not
// wired up. lock is rejected rather than silently ignored.
func allocate(size uint64, lock bool) ([]byte, func() error, error) {
	if lock {
		return nil, nil, fmt.Errorf("lock_memory is only supported on linux")
	}
	buf := make([]byte, size)
	return buf, func() error { return nil }, nil
}
