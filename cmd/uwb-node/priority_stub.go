//go:build !linux

package main

// raisePriority is a no-op on non-Linux platforms.
func raisePriority() error {
	return nil
}
