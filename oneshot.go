package cycle

import (
	"slices"
	"sync"
)

// Oneshot delivers a single value from any goroutine to any number of
// tasks. Send and Close may be called from outside the scheduler.
//
// The zero value is ready to use.
type Oneshot[T any] struct {
	value   T
	waiters []*Waker
	mu      sync.Mutex
	sent    bool
	closed  bool
}

// Send stores v and wakes every receiver, returning false if a value was
// already sent, or the Oneshot was closed.
func (o *Oneshot[T]) Send(v T) bool {
	o.mu.Lock()
	if o.sent || o.closed {
		o.mu.Unlock()
		return false
	}
	o.value = v
	o.sent = true
	waiters := o.takeWaitersLocked()
	o.mu.Unlock()
	for _, w := range waiters {
		w.Wake()
	}
	return true
}

// Close wakes every receiver with ErrOneshotClosed, unless a value was
// sent first. It is idempotent.
func (o *Oneshot[T]) Close() {
	o.mu.Lock()
	if o.sent || o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	waiters := o.takeWaitersLocked()
	o.mu.Unlock()
	for _, w := range waiters {
		w.Wake()
	}
}

func (o *Oneshot[T]) takeWaitersLocked() []*Waker {
	waiters := o.waiters
	o.waiters = nil
	return waiters
}

// TryRecv returns the value without waiting. The error is
// ErrOneshotClosed if closed, and ok is false if neither happened yet.
func (o *Oneshot[T]) TryRecv() (value T, err error, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resultLocked()
}

func (o *Oneshot[T]) resultLocked() (value T, err error, ok bool) {
	switch {
	case o.sent:
		return o.value, nil, true
	case o.closed:
		return value, ErrOneshotClosed, true
	default:
		return value, nil, false
	}
}

// Recv returns an awaitable completing with the sent value.
func (o *Oneshot[T]) Recv() *RecvFuture[T] {
	return &RecvFuture[T]{o: o}
}

func (o *Oneshot[T]) remove(w *Waker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := slices.Index(o.waiters, w); i >= 0 {
		o.waiters = slices.Delete(o.waiters, i, i+1)
	}
}

// RecvFuture is the awaitable behind Oneshot.Recv.
type RecvFuture[T any] struct {
	o     *Oneshot[T]
	waker *Waker
}

func (f *RecvFuture[T]) Resume(cx *Context) Outcome[T] {
	o := f.o
	o.mu.Lock()
	value, err, ok := o.resultLocked()
	if ok {
		o.mu.Unlock()
		f.waker = nil
		if err != nil {
			return Fail[T](err)
		}
		return Complete(value)
	}
	if f.waker.Pending() {
		o.mu.Unlock()
		return Suspend[T]()
	}
	w := cx.Waker()
	o.waiters = append(o.waiters, w)
	o.mu.Unlock()
	w.onDrop(func() { o.remove(w) })
	f.waker = w
	return Suspend[T]()
}

// Cancel withdraws the pending receive, if any.
func (f *RecvFuture[T]) Cancel() {
	f.waker.Drop()
	f.waker = nil
}
