package cycle

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// wakeable is the target of a timer entry, normally a *Waker.
type wakeable interface {
	Wake() bool
}

// timerEntry is a (deadline, target) pair. seq breaks deadline ties in
// insertion order.
type timerEntry struct {
	deadline time.Time
	target   wakeable
	seq      uint64
	// index is the position in the heap, or -1 once fired or cancelled.
	index int
}

// timerHeap is a min-heap of entries ordered by (deadline, seq).
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerWheel orders wake requests by deadline. Any goroutine may schedule
// or cancel, while advance is called by a single driver.
type timerWheel struct {
	// notify is called, outside the lock, when a schedule moves the
	// earliest deadline earlier.
	notify atomic.Pointer[func()]
	heap   timerHeap
	due    []*timerEntry
	seq    uint64
	mu     sync.Mutex
}

func newTimerWheel(notify func()) *timerWheel {
	w := &timerWheel{}
	w.setNotify(notify)
	return w
}

// setNotify replaces the driver notification, e.g. when a failed reactor
// hands the wheel to a dedicated driver.
func (w *timerWheel) setNotify(fn func()) {
	if fn == nil {
		w.notify.Store(nil)
		return
	}
	w.notify.Store(&fn)
}

// timerToken cancels a scheduled entry.
type timerToken struct {
	w *timerWheel
	e *timerEntry
}

// schedule registers target to be woken at or after deadline.
func (w *timerWheel) schedule(deadline time.Time, target wakeable) *timerToken {
	e := &timerEntry{deadline: deadline, target: target}
	w.mu.Lock()
	w.seq++
	e.seq = w.seq
	heap.Push(&w.heap, e)
	earliest := e.index == 0
	w.mu.Unlock()
	if earliest {
		if fn := w.notify.Load(); fn != nil {
			(*fn)()
		}
	}
	return &timerToken{w: w, e: e}
}

// Cancel removes the entry, returning false if it already fired or was
// cancelled. Removal keeps the relative order of the remaining entries.
func (t *timerToken) Cancel() bool {
	if t == nil {
		return false
	}
	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.e.index < 0 {
		return false
	}
	heap.Remove(&w.heap, t.e.index)
	t.e.target = nil
	return true
}

// Deadline returns the entry's deadline.
func (t *timerToken) Deadline() time.Time {
	return t.e.deadline
}

// advance fires every entry with a deadline at or before now, in (deadline,
// seq) order, returning the number fired. Targets are woken outside the
// lock.
func (w *timerWheel) advance(now time.Time) int {
	w.mu.Lock()
	due := w.due[:0]
	for len(w.heap) != 0 && !w.heap[0].deadline.After(now) {
		due = append(due, heap.Pop(&w.heap).(*timerEntry))
	}
	w.due = due
	w.mu.Unlock()
	for i, e := range due {
		if e.target != nil {
			e.target.Wake()
		}
		due[i] = nil
	}
	return len(due)
}

// nextDeadline returns the earliest pending deadline.
func (w *timerWheel) nextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.heap) == 0 {
		return time.Time{}, false
	}
	return w.heap[0].deadline, true
}

// Len returns the number of pending entries.
func (w *timerWheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heap)
}

// drain drops every pending entry without firing it, returning the targets.
func (w *timerWheel) drain() []wakeable {
	w.mu.Lock()
	defer w.mu.Unlock()
	targets := make([]wakeable, 0, len(w.heap))
	for _, e := range w.heap {
		e.index = -1
		if e.target != nil {
			targets = append(targets, e.target)
		}
	}
	clear(w.heap)
	w.heap = w.heap[:0]
	return targets
}

// timerDriver runs a wheel on a dedicated goroutine, for schedulers without
// a reactor to derive poll timeouts from.
type timerDriver struct {
	wheel   *timerWheel
	kick    chan struct{}
	stop    chan struct{}
	onFired func(n int)
	idle    time.Duration
}

func newTimerDriver(idle time.Duration, stop chan struct{}) *timerDriver {
	d := &timerDriver{
		kick: make(chan struct{}, 1),
		stop: stop,
		idle: idle,
	}
	d.wheel = newTimerWheel(d.wake)
	return d
}

func (d *timerDriver) wake() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *timerDriver) run() error {
	timer := time.NewTimer(d.idle)
	defer timer.Stop()
	for {
		wait := d.idle
		if next, ok := d.wheel.nextDeadline(); ok {
			wait = min(wait, time.Until(next))
		}
		if wait <= 0 {
			d.fire()
			continue
		}
		timer.Reset(wait)
		select {
		case <-d.stop:
			return nil
		case <-d.kick:
		case <-timer.C:
			d.fire()
		}
	}
}

func (d *timerDriver) fire() {
	if n := d.wheel.advance(time.Now()); n != 0 && d.onFired != nil {
		d.onFired(n)
	}
}
