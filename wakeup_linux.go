//go:build linux

package cycle

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd for Poller.Wakeup.
func createWakeFd(initval uint, flags int) (int, error) {
	return unix.Eventfd(initval, flags)
}
