package cycle

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

const (
	minPollBackoff = time.Millisecond
	maxPollBackoff = time.Second
)

// ioWaiter is one task's one-shot interest in an fd.
type ioWaiter struct {
	waker *Waker
	// err is set instead of ready if the reactor failed, before waking.
	err      error
	fd       int
	interest Interest
	ready    atomic.Uint32
}

// fdEntry is the registration table row of one fd.
type fdEntry struct {
	waiters []*ioWaiter
	// armed is the interest the poller was last armed with.
	armed Interest
}

// reactor bridges Poller readiness to task wakes. Registration is
// synchronized by mu, independently of Poll, so a registration made during
// a poll is armed in the OS and captured by the next one.
type reactor struct {
	poller  Poller
	sched   *Scheduler
	timers  *timerWheel
	limiter *catrate.Limiter
	fds     map[int]*fdEntry
	events  []Event
	done    chan struct{}
	fatal   error
	// maxTimeout bounds a poll when no timer is pending.
	maxTimeout time.Duration
	mu         sync.Mutex
	closed     bool
	stop       atomic.Bool
}

func newReactor(s *Scheduler, poller Poller, cfg Config) *reactor {
	r := &reactor{
		poller: poller,
		sched:  s,
		// at most one log line per second, per failing operation
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		}),
		fds:        make(map[int]*fdEntry),
		events:     make([]Event, cfg.PollEvents),
		done:       make(chan struct{}),
		maxTimeout: cfg.MaxPollTimeout,
	}
	return r
}

// attachTimers makes the reactor drive w, bounding each poll by its
// earliest deadline.
func (r *reactor) attachTimers(w *timerWheel) {
	r.timers = w
	w.setNotify(r.wakeup)
}

func (r *reactor) wakeup() {
	if err := r.poller.Wakeup(); err != nil && !r.stop.Load() {
		r.logFailure(`wakeup`, err, 0)
	}
}

// register adds a one-shot interest for waker, arming the poller with the
// union of the fd's interests. Backend errors are returned synchronously.
func (r *reactor) register(fd int, interest Interest, waker *Waker) (*ioWaiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		if r.fatal != nil {
			return nil, r.fatal
		}
		return nil, ErrSchedulerClosed
	}
	e := r.fds[fd]
	if e == nil {
		e = &fdEntry{}
	}
	union := e.armed | interest
	var err error
	switch {
	case e.armed == 0:
		err = r.poller.Register(fd, union)
	case union != e.armed:
		err = r.poller.Modify(fd, union)
	}
	if err != nil {
		return nil, err
	}
	w := &ioWaiter{waker: waker, fd: fd, interest: interest}
	e.armed = union
	e.waiters = append(e.waiters, w)
	r.fds[fd] = e
	return w, nil
}

// deregister retracts a waiter that has not fired.
func (r *reactor) deregister(w *ioWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.fds[w.fd]
	if e == nil {
		return
	}
	for i, v := range e.waiters {
		if v == w {
			last := len(e.waiters) - 1
			copy(e.waiters[i:], e.waiters[i+1:])
			e.waiters[last] = nil
			e.waiters = e.waiters[:last]
			r.rearmLocked(w.fd, e)
			return
		}
	}
}

// rearmLocked narrows the poller to the remaining interest, dropping the fd
// once nothing waits on it.
func (r *reactor) rearmLocked(fd int, e *fdEntry) {
	if r.closed {
		return
	}
	var union Interest
	for _, w := range e.waiters {
		union |= w.interest
	}
	var err error
	var op string
	switch {
	case union == 0:
		delete(r.fds, fd)
		op, err = `deregister`, r.poller.Deregister(fd)
	case union != e.armed:
		op, err = `modify`, r.poller.Modify(fd, union)
	}
	e.armed = union
	if err != nil {
		r.logFailure(op, err, 0)
	}
}

// dispatch wakes and removes every waiter matched by events.
func (r *reactor) dispatch(events []Event) int {
	var fired []*ioWaiter
	r.mu.Lock()
	for _, ev := range events {
		e := r.fds[ev.FD]
		if e == nil {
			continue
		}
		keep := e.waiters[:0]
		for _, w := range e.waiters {
			if ready := ev.Ready & (w.interest | ErrorCond | Hangup); ready != 0 {
				w.ready.Store(uint32(ready))
				fired = append(fired, w)
			} else {
				keep = append(keep, w)
			}
		}
		if len(keep) == len(e.waiters) {
			continue
		}
		clear(e.waiters[len(keep):])
		e.waiters = keep
		r.rearmLocked(ev.FD, e)
	}
	r.mu.Unlock()
	for _, w := range fired {
		w.waker.Wake()
	}
	return len(fired)
}

// failAll closes the table, waking every waiter with err.
func (r *reactor) failAll(err error) {
	r.mu.Lock()
	r.closed = true
	var waiters []*ioWaiter
	for fd, e := range r.fds {
		waiters = append(waiters, e.waiters...)
		delete(r.fds, fd)
	}
	r.mu.Unlock()
	for _, w := range waiters {
		w.err = err
		w.waker.Wake()
	}
}

// waiterCount returns the number of pending waiters on fd.
func (r *reactor) waiterCount(fd int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.fds[fd]; e != nil {
		return len(e.waiters)
	}
	return 0
}

// run polls until shutdown, or a fatal poller failure. Transient failures
// are retried with exponential backoff.
func (r *reactor) run() (err error) {
	defer close(r.done)
	defer func() {
		if cerr := r.poller.Close(); cerr != nil && err == nil {
			r.logFailure(`close`, cerr, 0)
		}
	}()

	backoff := time.Duration(0)
	for !r.stop.Load() {
		n, perr := r.poller.Poll(r.pollTimeout(), r.events)
		if perr != nil {
			if r.stop.Load() {
				break
			}
			if isFatalPollError(perr) {
				return r.fail(perr)
			}
			backoff = min(max(backoff*2, minPollBackoff), maxPollBackoff)
			r.logFailure(`poll`, perr, backoff)
			if !r.sleep(backoff) {
				break
			}
			continue
		}
		backoff = 0
		if n > 0 {
			r.sched.stats.ioEvents.Add(uint64(r.dispatch(r.events[:n])))
		}
		if r.timers != nil {
			if fired := r.timers.advance(time.Now()); fired != 0 {
				r.sched.stats.timersFired.Add(uint64(fired))
			}
		}
	}
	r.failAll(ErrSchedulerClosed)
	return nil
}

func (r *reactor) pollTimeout() time.Duration {
	timeout := r.maxTimeout
	if r.timers != nil {
		if next, ok := r.timers.nextDeadline(); ok {
			timeout = max(0, min(timeout, time.Until(next)))
		}
	}
	return timeout
}

// fail records a fatal poller error, fails all I/O waiters, and hands the
// timer wheel to a dedicated driver so sleeping tasks still wake.
func (r *reactor) fail(perr error) error {
	err := &PollError{Op: `poll`, Err: perr, Fatal: true}
	r.mu.Lock()
	r.fatal = err
	r.mu.Unlock()
	r.sched.setFatal(err)
	r.sched.logger.Crit().
		Err(perr).
		Log(`reactor stopped after fatal poller failure`)
	r.failAll(err)
	if r.timers != nil {
		r.sched.fallbackTimers(r.timers)
	}
	return err
}

// sleep waits for d, returning false if the reactor is stopping.
func (r *reactor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !r.stop.Load()
	case <-r.sched.stopping:
		return false
	}
}

// shutdown stops the poll loop, and waits for it to exit.
func (r *reactor) shutdown() {
	if r.stop.Swap(true) {
		<-r.done
		return
	}
	if err := r.poller.Wakeup(); err != nil && !errors.Is(err, ErrPollerClosed) {
		r.logFailure(`wakeup`, err, 0)
	}
	<-r.done
}

func (r *reactor) logFailure(op string, err error, backoff time.Duration) {
	if _, ok := r.limiter.Allow(op); !ok {
		return
	}
	r.sched.logger.Warning().
		Str(`op`, op).
		Err(err).
		Dur(`backoff`, backoff).
		Logf(`reactor poller %s failed`, op)
}
