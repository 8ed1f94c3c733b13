//go:build linux

package cpuset

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin restricts pid to a single core. pid 0 means the calling thread.
func Pin(pid, core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return fmt.Errorf("sched_setaffinity(%d, core %d): %w", pid, core, err)
	}
	return nil
}

// PinSelf locks the calling goroutine to its OS thread and pins that thread. The
// affinity is inherited by processes the thread starts afterwards.
func PinSelf(core int) error {
	runtime.LockOSThread()
	return Pin(0, core)
}
