//go:build linux

package launcher

import "syscall"

// Workers are killed when the launcher dies. Interrupts reach them only through
// the launcher.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL, Setpgid: true}
}
