//go:build linux || darwin

package cycle

import (
	"errors"

	"golang.org/x/sys/unix"
)

func closeFD(fd int) error {
	return unix.Close(fd)
}

func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

// isFatalPollError reports whether a Poll failure indicates the backend
// cannot recover, i.e. resource exhaustion or a broken poller fd.
func isFatalPollError(err error) bool {
	switch {
	case errors.Is(err, ErrPollerClosed),
		errors.Is(err, unix.EMFILE),
		errors.Is(err, unix.ENFILE),
		errors.Is(err, unix.ENOMEM),
		errors.Is(err, unix.EBADF),
		errors.Is(err, unix.EINVAL):
		return true
	default:
		return false
	}
}
