//go:build linux

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// loopNice is the niceness of the node process. The control loop is polled
// at a fixed rate and falls out of its slots when it is scheduled late.
const loopNice = -10

func raisePriority() error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, loopNice); err != nil {
		return fmt.Errorf("setpriority %d: %w", loopNice, err)
	}
	return nil
}
