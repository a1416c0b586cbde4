package cycle

import (
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
)

// Task state bits. Pending is scheduled, Suspended is the absence of
// scheduled and running, and Woken is running|notified.
const (
	// stateScheduled is set while the task sits in (or is being pushed to)
	// exactly one run queue slot.
	stateScheduled uint32 = 1 << iota
	// stateRunning is set while a worker is resuming the task.
	stateRunning
	// stateNotified records a wake that arrived while running.
	stateNotified
	// stateComplete is terminal.
	stateComplete
	// stateCancelled is an advisory cancellation request.
	stateCancelled
)

// taskBody is the type-erased computation and result slot of a task.
type taskBody interface {
	// step resumes the computation once, storing the result if terminal.
	step(cx *Context) OutcomeKind
	// abort stores the cancelled result and drops the computation.
	abort()
	// failure returns the stored error, once terminal.
	failure() error
}

// task is the Task Cell: the unit of scheduling.
type task struct {
	body  taskBody
	sched *Scheduler
	done  chan struct{}

	joiners []*Waker
	cx      Context
	id      uint64

	joinMu sync.Mutex
	state  atomic.Uint32
	// refs counts the scheduler (until terminal), the handle (until
	// collected), and every pending Waker.
	refs atomic.Int32
	// kind is the terminal outcome, written before done is closed.
	kind OutcomeKind
	// terminal is guarded by joinMu.
	terminal bool
	// shard is the registry shard holding the task, set once by spawn.
	shard uint32
}

func newTask(s *Scheduler, id uint64, body taskBody) *task {
	t := &task{
		body:  body,
		sched: s,
		done:  make(chan struct{}),
		id:    id,
	}
	t.cx.t = t
	// pending (scheduled), referenced by the scheduler and the handle
	t.state.Store(stateScheduled)
	t.refs.Store(2)
	return t
}

// wake marks the task runnable, returning true if the caller won the
// transition and must enqueue it. Redundant wakes coalesce.
func (t *task) wake() bool {
	for {
		s := t.state.Load()
		switch {
		case s&stateComplete != 0:
			return false
		case s&stateRunning != 0:
			if s&stateNotified != 0 {
				return false
			}
			if t.state.CompareAndSwap(s, s|stateNotified) {
				return false
			}
		case s&stateScheduled != 0:
			return false
		default:
			if t.state.CompareAndSwap(s, s|stateScheduled) {
				return true
			}
		}
	}
}

// transitionToRunning claims the single active resumer slot.
func (t *task) transitionToRunning() bool {
	for {
		s := t.state.Load()
		if s&stateScheduled == 0 || s&(stateRunning|stateComplete) != 0 {
			return false
		}
		if t.state.CompareAndSwap(s, (s&^stateScheduled)|stateRunning) {
			return true
		}
	}
}

// transitionToIdle releases the resumer slot after a suspension, returning
// true if a wake arrived while running, in which case the task is already
// marked scheduled and must be re-enqueued by the caller.
func (t *task) transitionToIdle() bool {
	for {
		s := t.state.Load()
		var next uint32
		reschedule := s&stateNotified != 0
		if reschedule {
			next = (s &^ (stateRunning | stateNotified)) | stateScheduled
		} else {
			next = s &^ stateRunning
		}
		if t.state.CompareAndSwap(s, next) {
			return reschedule
		}
	}
}

// requestCancel sets the cancellation bit, returning false if the task is
// terminal or the bit was already set.
func (t *task) requestCancel() bool {
	for {
		s := t.state.Load()
		if s&(stateComplete|stateCancelled) != 0 {
			return false
		}
		if t.state.CompareAndSwap(s, s|stateCancelled) {
			return true
		}
	}
}

func (t *task) cancelRequested() bool {
	return t.state.Load()&stateCancelled != 0
}

func (t *task) isComplete() bool {
	return t.state.Load()&stateComplete != 0
}

// finish records the terminal outcome, and wakes any joined tasks. Only the
// active resumer calls finish.
func (t *task) finish(kind OutcomeKind) {
	for {
		s := t.state.Load()
		next := (s &^ (stateScheduled | stateRunning | stateNotified)) | stateComplete
		if t.state.CompareAndSwap(s, next) {
			break
		}
	}
	t.kind = kind
	t.joinMu.Lock()
	t.terminal = true
	joiners := t.joiners
	t.joiners = nil
	t.joinMu.Unlock()
	close(t.done)
	for _, w := range joiners {
		w.Wake()
	}
}

// join registers w to be woken on termination, returning false if the task
// is already terminal.
func (t *task) join(w *Waker) bool {
	t.joinMu.Lock()
	defer t.joinMu.Unlock()
	if t.terminal {
		return false
	}
	t.joiners = append(t.joiners, w)
	return true
}

// unjoin withdraws a joiner dropped before t terminated.
func (t *task) unjoin(w *Waker) {
	t.joinMu.Lock()
	defer t.joinMu.Unlock()
	if i := slices.Index(t.joiners, w); i >= 0 {
		t.joiners = slices.Delete(t.joiners, i, i+1)
	}
}

func (t *task) retain() {
	t.refs.Add(1)
}

func (t *task) release() {
	switch n := t.refs.Add(-1); {
	case n == 0:
		t.dispose()
	case n < 0:
		panic(`cycle: task reference count underflow`)
	}
}

// dispose runs once the last reference is gone.
func (t *task) dispose() {
	if !t.isComplete() {
		panic(`cycle: task disposed before reaching a terminal state`)
	}
	if s := t.sched; s != nil {
		s.stats.disposed.Add(1)
	}
	t.cx.wakers = nil
	t.cx.cleanups = nil
}

// cell is the typed taskBody behind a Handle.
type cell[T any] struct {
	comp  Computation[T]
	err   error
	value T
}

func (c *cell[T]) step(cx *Context) (kind OutcomeKind) {
	defer func() {
		if r := recover(); r != nil {
			c.err = recoverPanic(r, debug.Stack())
			c.comp = nil
			kind = OutcomeFailed
		}
	}()
	o := c.comp.Resume(cx)
	switch o.kind {
	case OutcomeCompleted:
		c.value = o.value
		c.comp = nil
	case OutcomeFailed:
		c.err = o.err
		c.comp = nil
	}
	return o.kind
}

func (c *cell[T]) abort() {
	comp := c.comp
	c.comp = nil
	c.err = ErrCancelled
	if u, ok := comp.(Unwinder); ok {
		defer func() { _ = recover() }()
		u.Unwind()
	}
}

func (c *cell[T]) failure() error {
	return c.err
}

func (c *cell[T]) result() (T, error) {
	return c.value, c.err
}
