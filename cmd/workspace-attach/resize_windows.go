//go:build windows

package main

// watchResize is a no-op: Windows consoles do not signal resizes.
func watchResize(fn func()) (stop func()) {
	return func() {}
}
