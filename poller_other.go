//go:build !linux && !darwin

package cycle

import (
	"errors"
)

// newPlatformPoller has no built-in backend on this platform; supply one
// with WithPoller.
func newPlatformPoller(int) (Poller, error) {
	return nil, ErrPollerUnsupported
}

func isFatalPollError(err error) bool {
	return errors.Is(err, ErrPollerClosed)
}
