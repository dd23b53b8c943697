//go:build unix && !linux

package driver

import "syscall"

// sysProcAttr puts the child in its own process group so Stop can signal
// the whole tree. There is no parent-death signal outside Linux.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
