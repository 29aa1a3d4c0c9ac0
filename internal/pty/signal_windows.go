//go:build windows

package pty

// hangup is a no-op on Windows; Close falls back to killing the process.
func hangup(pid int) error {
	return nil
}
