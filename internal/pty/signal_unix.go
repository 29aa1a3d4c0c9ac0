//go:build !windows

package pty

import (
	"errors"

	"golang.org/x/sys/unix"
)

// hangup sends SIGHUP to the process group led by pid. The shell was
// started with Setsid, so its pid is also its process group ID.
func hangup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGHUP)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
