package cycle

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawnRejected is returned by Spawn once the scheduler has begun
	// shutting down.
	ErrSpawnRejected = errors.New("cycle: spawn rejected: scheduler is shutting down")

	// ErrCancelled is the outcome of a task that was cancelled, either via
	// Handle.Cancel, an immediate shutdown, or the computation returning Abort.
	// Cancellation is not a failure, and is never wrapped.
	ErrCancelled = errors.New("cycle: task cancelled")

	// ErrTimeout is the failure produced by Timeout when the deadline wins.
	ErrTimeout = errors.New("cycle: operation timed out")

	// ErrSchedulerClosed is returned by operations that require a running
	// scheduler, e.g. registering I/O interest after the reactor stopped.
	ErrSchedulerClosed = errors.New("cycle: scheduler closed")

	// ErrPollerUnsupported is returned by New when I/O is enabled on a
	// platform without a built-in Poller, and none was provided.
	ErrPollerUnsupported = errors.New("cycle: no poller available on this platform")

	// ErrInvalidConfig wraps all configuration validation failures.
	ErrInvalidConfig = errors.New("cycle: invalid config")

	// ErrIODisabled is returned by IOReady when the scheduler was built
	// without a reactor.
	ErrIODisabled = errors.New("cycle: i/o is disabled")

	// ErrTimersDisabled is returned by timer based awaitables when the
	// scheduler was built without a timer wheel.
	ErrTimersDisabled = errors.New("cycle: timers are disabled")

	// ErrBlockingDisabled is returned by Blocking when the scheduler was
	// built with zero blocking threads.
	ErrBlockingDisabled = errors.New("cycle: blocking pool is disabled")

	// ErrOneshotClosed is the failure of Oneshot.Recv when the Oneshot was
	// closed without a value.
	ErrOneshotClosed = errors.New("cycle: oneshot closed without a value")

	// ErrWouldBlock indicates a non-blocking operation could not proceed.
	ErrWouldBlock = errors.New("cycle: operation would block")
)

// PanicError is the failure delivered through a Handle when the computation
// panicked during Resume. The worker that resumed it keeps running.
type PanicError struct {
	// Value is the value passed to panic.
	Value any
	// Stack is the goroutine stack captured at the point of recovery.
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("cycle: task panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error, enabling use with
// [errors.Is] and [errors.As].
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// PollError describes a failure of the reactor's Poller. Transient failures
// are retried with backoff, and only fatal ones are surfaced via
// Scheduler.Err.
type PollError struct {
	Err error
	// Op is the failed Poller operation, e.g. "poll" or "register".
	Op string
	// Fatal is true if the reactor gave up (e.g. resource exhaustion).
	Fatal bool
}

func (e *PollError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("cycle: fatal poller failure: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cycle: poller failure: %s: %v", e.Op, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// recoverPanic converts a recovered value into a *PanicError.
func recoverPanic(r any, stack []byte) *PanicError {
	if pe, ok := r.(*PanicError); ok {
		return pe
	}
	return &PanicError{Value: r, Stack: stack}
}
