package cycle

import (
	"slices"
	"sync"
)

// Mutex is a mutual exclusion lock for tasks. Lock suspends the task
// instead of blocking its worker. Waiters acquire the lock in FIFO order,
// each Unlock handing it directly to the oldest waiter, and a waiter that
// is cancelled after being handed the lock passes it on.
//
// The zero value is an unlocked Mutex. As with sync.Mutex, a locked Mutex
// is not associated with a particular task.
type Mutex struct {
	waiters []*lockWaiter
	mu      sync.Mutex
	locked  bool
}

type lockWaiter struct {
	waker *Waker
	// the following are guarded by Mutex.mu
	granted  bool
	consumed bool
	released bool
}

// TryLock acquires the lock if it is free and nothing is waiting for it.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Lock returns an awaitable that completes once the lock is held.
func (m *Mutex) Lock() *LockFuture {
	return &LockFuture{m: m}
}

// Unlock releases the lock, or hands it to the oldest waiter. It panics if
// the lock is not held.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	if !m.locked {
		m.mu.Unlock()
		panic(`cycle: unlock of unlocked mutex`)
	}
	next := m.handOffLocked()
	m.mu.Unlock()
	next.Wake()
}

// handOffLocked grants the lock to the oldest waiter, or unlocks it,
// returning the waker to fire once m.mu is released.
func (m *Mutex) handOffLocked() *Waker {
	if len(m.waiters) == 0 {
		m.locked = false
		return nil
	}
	w := m.waiters[0]
	m.waiters[0] = nil
	m.waiters = m.waiters[1:]
	w.granted = true
	return w.waker
}

// abandon withdraws w, passing the lock on if it was granted but never
// observed by the waiting task.
func (m *Mutex) abandon(w *lockWaiter) {
	m.mu.Lock()
	var next *Waker
	switch {
	case !w.granted:
		if i := slices.Index(m.waiters, w); i >= 0 {
			m.waiters = slices.Delete(m.waiters, i, i+1)
		}
	case !w.consumed && !w.released:
		w.released = true
		next = m.handOffLocked()
	}
	m.mu.Unlock()
	next.Wake()
}

// LockFuture is the awaitable behind Mutex.Lock. It completes once.
type LockFuture struct {
	m       *Mutex
	w       *lockWaiter
	cleanup *cleanup
	held    bool
}

func (f *LockFuture) Resume(cx *Context) Outcome[struct{}] {
	if f.held {
		return Complete(struct{}{})
	}
	m := f.m
	if w := f.w; w != nil {
		m.mu.Lock()
		granted := w.granted && !w.released
		if granted {
			w.consumed = true
		}
		m.mu.Unlock()
		if granted {
			f.acquired()
			return Complete(struct{}{})
		}
		if w.waker.Pending() {
			return Suspend[struct{}]()
		}
		// dropped by Cancel, so queue again
		f.w = nil
		f.cleanup.dismiss()
		f.cleanup = nil
	}

	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		f.held = true
		return Complete(struct{}{})
	}
	w := &lockWaiter{waker: cx.Waker()}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	w.waker.onDrop(func() { m.abandon(w) })
	f.w = w
	f.cleanup = cx.addCleanup(func() { m.abandon(w) })
	return Suspend[struct{}]()
}

func (f *LockFuture) acquired() {
	f.held = true
	f.w = nil
	f.cleanup.dismiss()
	f.cleanup = nil
}

// Cancel withdraws from the wait queue, passing the lock on if it was
// already handed over. It has no effect once Resume completed.
func (f *LockFuture) Cancel() {
	w := f.w
	if w == nil {
		return
	}
	f.w = nil
	f.cleanup.dismiss()
	f.cleanup = nil
	if !w.waker.Drop() {
		f.m.abandon(w)
	}
}
