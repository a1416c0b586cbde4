package cycle

import (
	"errors"
	"strings"
	"time"
)

// maxFDLimit bounds the file descriptors accepted by the built-in pollers.
const maxFDLimit = 100000000

// Interest is a set of readiness conditions.
type Interest uint32

const (
	// Readable indicates the resource is ready for reading.
	Readable Interest = 1 << iota
	// Writable indicates the resource is ready for writing.
	Writable
	// ErrorCond indicates an error condition. It is always reported, and
	// wakes every waiter on the resource regardless of interest.
	ErrorCond
	// Hangup indicates the peer closed its end. Like ErrorCond, it wakes
	// every waiter on the resource.
	Hangup
)

func (i Interest) String() string {
	if i == 0 {
		return `none`
	}
	var parts []string
	if i&Readable != 0 {
		parts = append(parts, `read`)
	}
	if i&Writable != 0 {
		parts = append(parts, `write`)
	}
	if i&ErrorCond != 0 {
		parts = append(parts, `error`)
	}
	if i&Hangup != 0 {
		parts = append(parts, `hangup`)
	}
	return strings.Join(parts, `|`)
}

var (
	// ErrFDOutOfRange is returned for negative or excessively large fds.
	ErrFDOutOfRange = errors.New("cycle: fd out of range")
	// ErrFDNotRegistered is returned when modifying an unknown fd.
	ErrFDNotRegistered = errors.New("cycle: fd not registered")
	// ErrPollerClosed is returned by a Poller after Close.
	ErrPollerClosed = errors.New("cycle: poller closed")
)

// Event is a readiness notification for one file descriptor.
type Event struct {
	FD    int
	Ready Interest
}

// Poller is the OS readiness backend driven by the reactor. Register,
// Modify, Deregister and Wakeup may be called from any goroutine,
// concurrently with Poll. Poll is only called by the reactor goroutine.
//
// Registrations are level-triggered: an fd stays armed until modified or
// deregistered. The reactor provides one-shot semantics on top.
type Poller interface {
	// Register arms fd for the given interest.
	Register(fd int, interest Interest) error
	// Modify replaces the interest of a registered fd.
	Modify(fd int, interest Interest) error
	// Deregister disarms fd. Deregistering an fd the OS already dropped
	// (e.g. it was closed) is not an error.
	Deregister(fd int) error
	// Poll blocks until at least one event is ready, Wakeup is called, or
	// timeout elapses, filling events. A negative timeout blocks
	// indefinitely. Interrupted system calls return (0, nil).
	Poll(timeout time.Duration, events []Event) (int, error)
	// Wakeup interrupts a concurrent or subsequent Poll.
	Wakeup() error
	// Close releases the backend. Poll returns ErrPollerClosed afterwards.
	Close() error
}

func checkFD(fd int) error {
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}
	return nil
}

// pollTimeoutMillis converts a poll timeout to milliseconds, rounding up so
// that a sub-millisecond timer deadline doesn't spin.
func pollTimeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout / time.Millisecond
	if timeout%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
