package cycle

import (
	"slices"
	"sync"
)

// RWMutex is a reader/writer lock for tasks. Any number of readers, or a
// single writer, may hold it. Waiters are admitted in FIFO order: a release
// grants the oldest waiting writer, or every reader queued ahead of the next
// writer, so a steady stream of readers cannot starve a writer. As with
// Mutex, a waiter cancelled after being granted the lock passes it on.
//
// The zero value is an unlocked RWMutex.
type RWMutex struct {
	waiters []*rwWaiter
	mu      sync.Mutex
	readers int
	writer  bool
}

type rwWaiter struct {
	waker *Waker
	write bool
	// the following are guarded by RWMutex.mu
	granted  bool
	consumed bool
	released bool
}

// TryLock acquires the write lock if nothing holds or awaits the lock.
func (m *RWMutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(true)
}

// TryRLock acquires a read lock if no writer holds or awaits the lock.
func (m *RWMutex) TryRLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(false)
}

func (m *RWMutex) acquireLocked(write bool) bool {
	if m.writer || len(m.waiters) != 0 {
		return false
	}
	if write {
		if m.readers != 0 {
			return false
		}
		m.writer = true
	} else {
		m.readers++
	}
	return true
}

// Lock returns an awaitable that completes once the write lock is held.
func (m *RWMutex) Lock() *RWLockFuture {
	return &RWLockFuture{m: m, write: true}
}

// RLock returns an awaitable that completes once a read lock is held.
func (m *RWMutex) RLock() *RWLockFuture {
	return &RWLockFuture{m: m}
}

// Unlock releases the write lock. It panics if the write lock is not held.
func (m *RWMutex) Unlock() {
	m.mu.Lock()
	if !m.writer {
		m.mu.Unlock()
		panic(`cycle: unlock of unlocked rwmutex`)
	}
	m.writer = false
	next := m.grantLocked()
	m.mu.Unlock()
	wakeAll(next)
}

// RUnlock releases a read lock. It panics if no read lock is held.
func (m *RWMutex) RUnlock() {
	m.mu.Lock()
	if m.readers == 0 {
		m.mu.Unlock()
		panic(`cycle: runlock of unlocked rwmutex`)
	}
	m.readers--
	next := m.grantLocked()
	m.mu.Unlock()
	wakeAll(next)
}

// grantLocked admits waiters from the head of the queue, returning the
// wakers to fire once m.mu is released.
func (m *RWMutex) grantLocked() []*Waker {
	var next []*Waker
	for len(m.waiters) != 0 && !m.writer {
		w := m.waiters[0]
		if w.write {
			if m.readers != 0 {
				break
			}
			m.writer = true
		} else {
			m.readers++
		}
		m.waiters[0] = nil
		m.waiters = m.waiters[1:]
		w.granted = true
		next = append(next, w.waker)
	}
	return next
}

// abandon withdraws w, releasing whatever it was granted but never
// observed, and admitting whoever that unblocks.
func (m *RWMutex) abandon(w *rwWaiter) {
	m.mu.Lock()
	switch {
	case !w.granted:
		if i := slices.Index(m.waiters, w); i >= 0 {
			m.waiters = slices.Delete(m.waiters, i, i+1)
		}
	case !w.consumed && !w.released:
		w.released = true
		if w.write {
			m.writer = false
		} else {
			m.readers--
		}
	}
	next := m.grantLocked()
	m.mu.Unlock()
	wakeAll(next)
}

func wakeAll(wakers []*Waker) {
	for _, w := range wakers {
		w.Wake()
	}
}

// RWLockFuture is the awaitable behind RWMutex.Lock and RWMutex.RLock. It
// completes once.
type RWLockFuture struct {
	m       *RWMutex
	w       *rwWaiter
	cleanup *cleanup
	write   bool
	held    bool
}

func (f *RWLockFuture) Resume(cx *Context) Outcome[struct{}] {
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
			f.held = true
			f.w = nil
			f.cleanup.dismiss()
			f.cleanup = nil
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
	if m.acquireLocked(f.write) {
		m.mu.Unlock()
		f.held = true
		return Complete(struct{}{})
	}
	w := &rwWaiter{waker: cx.Waker(), write: f.write}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	w.waker.onDrop(func() { m.abandon(w) })
	f.w = w
	f.cleanup = cx.addCleanup(func() { m.abandon(w) })
	return Suspend[struct{}]()
}

// Cancel withdraws from the wait queue, passing the lock on if it was
// already granted. It has no effect once Resume completed.
func (f *RWLockFuture) Cancel() {
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
