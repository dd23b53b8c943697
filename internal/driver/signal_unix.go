//go:build unix

package driver

import "golang.org/x/sys/unix"

func terminate(pid int) error {
	return unix.Kill(-pid, unix.SIGTERM)
}

func kill(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}
