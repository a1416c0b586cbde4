package cycle

import (
	"context"
	"runtime"
)

// Handle is the join handle of a spawned task. It is safe for concurrent
// use. Dropping every reference to a Handle does not cancel the task.
type Handle[T any] struct {
	t    *task
	body *cell[T]
}

func newHandle[T any](t *task, body *cell[T]) *Handle[T] {
	h := &Handle[T]{t: t, body: body}
	runtime.AddCleanup(h, (*task).release, t)
	return h
}

// ID returns the task's identifier.
func (h *Handle[T]) ID() uint64 {
	return h.t.id
}

// Done returns a channel closed once the task is terminal.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.t.done
}

// IsFinished reports whether the task is terminal.
func (h *Handle[T]) IsFinished() bool {
	select {
	case <-h.t.done:
		return true
	default:
		return false
	}
}

// Join blocks until the task is terminal, or ctx is done. The result is
// written once, and every call observes the same value. A cancelled task
// yields ErrCancelled, and a panicking one a *PanicError.
func (h *Handle[T]) Join(ctx context.Context) (T, error) {
	select {
	case <-h.t.done:
		return h.body.result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryResult returns the result without blocking, with ok false if the task
// is not yet terminal.
func (h *Handle[T]) TryResult() (value T, err error, ok bool) {
	select {
	case <-h.t.done:
		value, err = h.body.result()
		return value, err, true
	default:
		return value, nil, false
	}
}

// Outcome returns the terminal kind, or OutcomeSuspended if not terminal.
func (h *Handle[T]) Outcome() OutcomeKind {
	select {
	case <-h.t.done:
		return h.t.kind
	default:
		return OutcomeSuspended
	}
}

// Cancel requests cancellation. It is advisory: a task that is running
// observes it at its next resumption, and a task that completes first keeps
// its result. Calling Cancel more than once has no further effect.
func (h *Handle[T]) Cancel() {
	if h.t.requestCancel() {
		h.t.sched.schedule(h.t)
	}
}

// Await returns a Computation that completes with the task's result, so
// that one task may join another without blocking a worker.
func (h *Handle[T]) Await() *JoinFuture[T] {
	return &JoinFuture[T]{h: h}
}

// JoinFuture awaits another task's result. Each awaiting computation needs
// its own JoinFuture.
type JoinFuture[T any] struct {
	h     *Handle[T]
	waker *Waker
}

func (f *JoinFuture[T]) Resume(cx *Context) Outcome[T] {
	if f.h.IsFinished() {
		f.Cancel()
		v, err := f.h.body.result()
		if err != nil {
			return Fail[T](err)
		}
		return Complete(v)
	}
	if f.waker.Pending() {
		return Suspend[T]()
	}
	w := cx.Waker()
	f.waker = w
	target := f.h.t
	if !target.join(w) {
		// raced with termination
		w.Wake()
		return Suspend[T]()
	}
	w.onDrop(func() { target.unjoin(w) })
	return Suspend[T]()
}

// Cancel retracts the pending join registration, if any.
func (f *JoinFuture[T]) Cancel() {
	f.waker.Drop()
	f.waker = nil
}
