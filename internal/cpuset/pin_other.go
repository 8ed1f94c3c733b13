//go:build !linux

package cpuset

// Pin is a no-op where CPU affinity is not supported.
func Pin(pid, core int) error { return nil }

func PinSelf(core int) error { return nil }
