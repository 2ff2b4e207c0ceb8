//go:build linux

package secret

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type region struct {
	mem    []byte
	locked bool
}

func allocate(size int) (region, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return region{}, fmt.Errorf("secret: mmap failed: %w", err)
	}

	// mlock is limited by RLIMIT_MEMLOCK; an unlocked region is still
	// outside the heap and zeroed on release.
	locked := unix.Mlock(mem) == nil
	_ = unix.Madvise(mem, unix.MADV_DONTDUMP)

	return region{mem: mem, locked: locked}, nil
}

func (r region) bytes() []byte { return r.mem }

func (r region) release() error {
	if r.mem == nil {
		return nil
	}
	Zero(r.mem)
	var firstErr error
	if r.locked {
		if err := unix.Munlock(r.mem); err != nil {
			firstErr = fmt.Errorf("secret: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(r.mem); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap failed: %w", err)
	}
	return firstErr
}
