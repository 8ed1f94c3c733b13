//go:build linux

package channel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NewShared backs the region with an anonymous memfd mapped MAP_SHARED, so that an
// ivshmem-plain device of the virtualized target can map the same pages through
// Path().
func NewShared(layout Layout) (*Channel, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	size := alignUp(layout.Size(), os.Getpagesize())

	fd, err := unix.MemfdCreate("snapfuzz-channel", 0)
	if err != nil {
		return nil, fmt.Errorf("channel: memfd_create failed: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("channel: ftruncate failed: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("channel: mmap failed: %w", err)
	}

	c, err := New(mem, layout)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, err
	}
	c.path = fmt.Sprintf("/proc/%v/fd/%v", os.Getpid(), fd)
	c.release = func() error {
		merr := unix.Munmap(mem)
		cerr := unix.Close(fd)
		if merr != nil {
			return fmt.Errorf("channel: munmap failed: %w", merr)
		}
		return cerr
	}
	return c, nil
}

// MappedSize is the size the engine must declare for the backing memory object.
func MappedSize(layout Layout) int {
	return alignUp(layout.Size(), os.Getpagesize())
}
