//go:build linux

package qemu

import "syscall"

// QEMU must not outlive the worker. Its own process group keeps a terminal
// interrupt away from it so the worker can still restore the baseline.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL, Setpgid: true}
}
