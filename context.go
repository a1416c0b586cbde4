package cycle

import (
	"sync/atomic"
)

// Context is passed to Computation.Resume. It is owned by the task, and is
// only valid during the Resume call it was passed to.
type Context struct {
	t *task
	w *worker
	// wakers are the wake sources registered by the task, retracted when it
	// reaches a terminal state. Only the active resumer touches this slice.
	wakers []*Waker
	// cleanups run once the task is terminal, unless dismissed first.
	cleanups []*cleanup
	// yielded requeues the task globally after this step, behind queued
	// work, rather than at the head of the local queue.
	yielded bool
}

// Waker returns a new one-shot wake source for the task. The task holds a
// reference until the Waker is either woken or dropped, and every Waker
// still pending when the task terminates is dropped.
func (cx *Context) Waker() *Waker {
	w := &Waker{t: cx.t}
	cx.t.retain()
	cx.wakers = append(cx.wakers, w)
	return w
}

// Cancelled reports whether cancellation has been requested. Long running
// computations may check it between steps, and return Abort.
func (cx *Context) Cancelled() bool {
	return cx.t.cancelRequested()
}

// Scheduler returns the scheduler running the task.
func (cx *Context) Scheduler() *Scheduler {
	return cx.t.sched
}

// TaskID returns the task's identifier, unique per scheduler.
func (cx *Context) TaskID() uint64 {
	return cx.t.id
}

// WorkerID returns the index of the worker currently resuming the task.
func (cx *Context) WorkerID() int {
	if cx.w == nil {
		return -1
	}
	return cx.w.id
}

// bind attaches the resuming worker, pruning wakers that already fired.
func (cx *Context) bind(w *worker) {
	cx.w = w
	live := cx.wakers[:0]
	for _, wk := range cx.wakers {
		if wk.state.Load() == wakerPending {
			live = append(live, wk)
		}
	}
	clear(cx.wakers[len(live):])
	cx.wakers = live
	keep := cx.cleanups[:0]
	for _, c := range cx.cleanups {
		if c.fn != nil {
			keep = append(keep, c)
		}
	}
	clear(cx.cleanups[len(keep):])
	cx.cleanups = keep
}

func (cx *Context) unbind() {
	cx.w = nil
	cx.yielded = false
}

// yieldNow wakes the running task, so it is requeued once suspended.
func (cx *Context) yieldNow() {
	cx.yielded = true
	cx.t.wake()
}

// retractAll drops every pending wake source, then runs the remaining
// cleanups.
func (cx *Context) retractAll() {
	wakers := cx.wakers
	cx.wakers = nil
	for _, w := range wakers {
		w.Drop()
	}
	cleanups := cx.cleanups
	cx.cleanups = nil
	for _, c := range cleanups {
		c.run()
	}
}

// addCleanup registers fn to run if the task terminates before the
// returned cleanup is dismissed. Resources handed to a task between two
// resumptions (e.g. a mutex) use it to avoid leaking.
func (cx *Context) addCleanup(fn func()) *cleanup {
	c := &cleanup{fn: fn}
	cx.cleanups = append(cx.cleanups, c)
	return c
}

// cleanup is only touched by the task's active resumer.
type cleanup struct {
	fn func()
}

func (c *cleanup) dismiss() {
	if c != nil {
		c.fn = nil
	}
}

func (c *cleanup) run() {
	if fn := c.fn; fn != nil {
		c.fn = nil
		fn()
	}
}

const (
	wakerPending uint32 = iota
	wakerFired
	wakerDropped
)

// Waker wakes its task at most once. Any goroutine may call Wake. Drop
// retracts the registration that would have woken it.
type Waker struct {
	t *task
	// retract removes the waker from whatever would have fired it, and is
	// set by the resumer that registered it.
	retract func()
	state   atomic.Uint32
}

// Wake makes the task runnable, returning true if this call fired the
// waker. Wakes to a task that is already pending or woken coalesce.
func (w *Waker) Wake() bool {
	if w == nil || !w.state.CompareAndSwap(wakerPending, wakerFired) {
		return false
	}
	t := w.t
	t.sched.schedule(t)
	t.release()
	return true
}

// Drop retracts the waker without waking, returning true if it was pending.
func (w *Waker) Drop() bool {
	if w == nil || !w.state.CompareAndSwap(wakerPending, wakerDropped) {
		return false
	}
	if fn := w.retract; fn != nil {
		w.retract = nil
		fn()
	}
	w.t.release()
	return true
}

// Fired reports whether Wake was called before Drop.
func (w *Waker) Fired() bool {
	return w != nil && w.state.Load() == wakerFired
}

// Pending reports whether the waker has neither fired nor been dropped.
func (w *Waker) Pending() bool {
	return w != nil && w.state.Load() == wakerPending
}

// TaskID returns the identifier of the task the waker wakes.
func (w *Waker) TaskID() uint64 {
	return w.t.id
}

func (w *Waker) onDrop(fn func()) {
	w.retract = fn
}
