package cycle

import (
	"errors"
	"fmt"
)

// Readiness awaits OS readiness of an fd. Each registration is one-shot:
// after completing, resuming again registers anew. Interest is a mask, and
// the result is the subset of it that became ready, plus ErrorCond or
// Hangup, which wake any interest.
type Readiness struct {
	waiter   *ioWaiter
	fd       int
	interest Interest
}

// IOReady returns an awaitable completing once fd is ready for any of
// interest. The fd must be in non-blocking mode, and remains owned by the
// caller.
func IOReady(fd int, interest Interest) *Readiness {
	return &Readiness{fd: fd, interest: interest}
}

// ReadReady is IOReady(fd, Readable).
func ReadReady(fd int) *Readiness { return IOReady(fd, Readable) }

// WriteReady is IOReady(fd, Writable).
func WriteReady(fd int) *Readiness { return IOReady(fd, Writable) }

func (r *Readiness) Resume(cx *Context) Outcome[Interest] {
	if w := r.waiter; w != nil {
		if w.waker.Pending() {
			return Suspend[Interest]()
		}
		r.waiter = nil
		if !w.waker.Fired() {
			// dropped without a wake, by Cancel racing a resume
			return r.register(cx)
		}
		if w.err != nil {
			return Fail[Interest](w.err)
		}
		return Complete(Interest(w.ready.Load()))
	}
	return r.register(cx)
}

func (r *Readiness) register(cx *Context) Outcome[Interest] {
	if r.interest == 0 {
		return Fail[Interest](fmt.Errorf("cycle: fd %d: empty interest", r.fd))
	}
	re := cx.Scheduler().reactor
	if re == nil {
		return Fail[Interest](ErrIODisabled)
	}
	wk := cx.Waker()
	w, err := re.register(r.fd, r.interest, wk)
	if err != nil {
		wk.Drop()
		var perr *PollError
		if !errors.As(err, &perr) && !errors.Is(err, ErrSchedulerClosed) {
			err = &PollError{Op: `register`, Err: err}
		}
		return Fail[Interest](err)
	}
	wk.onDrop(func() { re.deregister(w) })
	r.waiter = w
	return Suspend[Interest]()
}

// Cancel retracts the registration, if pending.
func (r *Readiness) Cancel() {
	if w := r.waiter; w != nil {
		r.waiter = nil
		w.waker.Drop()
	}
}

// FD returns the awaited file descriptor.
func (r *Readiness) FD() int { return r.fd }
