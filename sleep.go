package cycle

import (
	"time"
)

// Delay is the awaitable behind Sleep and SleepUntil. It never completes
// before its deadline.
type Delay struct {
	deadline time.Time
	waker    *Waker
	d        time.Duration
	relative bool
	started  bool
	done     bool
}

// Sleep returns an awaitable completing d after its first resumption.
func Sleep(d time.Duration) *Delay {
	return &Delay{d: d, relative: true}
}

// SleepUntil returns an awaitable completing at or after deadline.
func SleepUntil(deadline time.Time) *Delay {
	return &Delay{deadline: deadline, started: true}
}

func (s *Delay) Resume(cx *Context) Outcome[struct{}] {
	if s.done {
		return Complete(struct{}{})
	}
	if !s.started {
		s.started = true
		s.deadline = time.Now().Add(s.d)
	}
	if s.waker != nil {
		if !s.waker.Fired() && time.Now().Before(s.deadline) {
			return Suspend[struct{}]()
		}
		// either fired, or resumed for another reason after the deadline
		s.waker.Drop()
		s.waker = nil
		s.done = true
		return Complete(struct{}{})
	}
	if !time.Now().Before(s.deadline) {
		s.done = true
		return Complete(struct{}{})
	}
	wheel := cx.Scheduler().timers
	if wheel == nil {
		return Fail[struct{}](ErrTimersDisabled)
	}
	w := cx.Waker()
	tok := wheel.schedule(s.deadline, w)
	w.onDrop(func() { tok.Cancel() })
	s.waker = w
	return Suspend[struct{}]()
}

// Cancel retracts the pending timer entry.
func (s *Delay) Cancel() {
	if s.waker != nil {
		s.waker.Drop()
		s.waker = nil
	}
}

// Deadline returns the deadline, which for Sleep is only known once resumed.
func (s *Delay) Deadline() time.Time {
	return s.deadline
}

// Interval yields ticks every period, the first one period after creation.
// Each Completed outcome of Resume is one tick, carrying its scheduled
// instant, and resuming again awaits the next. Ticks missed by a slow
// consumer fire back to back.
type Interval struct {
	next   time.Time
	delay  *Delay
	period time.Duration
}

// NewInterval panics if period is not positive.
func NewInterval(period time.Duration) *Interval {
	if period <= 0 {
		panic(`cycle: non-positive interval period`)
	}
	return &Interval{next: time.Now().Add(period), period: period}
}

// Period returns the interval's period.
func (iv *Interval) Period() time.Duration {
	return iv.period
}

func (iv *Interval) Resume(cx *Context) Outcome[time.Time] {
	if iv.delay == nil {
		iv.delay = SleepUntil(iv.next)
	}
	o := iv.delay.Resume(cx)
	if o.Kind() != OutcomeCompleted {
		return Forward[time.Time](o)
	}
	tick := iv.next
	iv.next = iv.next.Add(iv.period)
	iv.delay = nil
	return Complete(tick)
}

// Cancel retracts the pending tick.
func (iv *Interval) Cancel() {
	if iv.delay != nil {
		iv.delay.Cancel()
		iv.delay = nil
	}
}

// YieldOnce is the awaitable behind Yield.
type YieldOnce struct {
	yielded bool
}

// Yield returns an awaitable that suspends once, re-queueing the task behind
// the work already queued, then completes.
func Yield() *YieldOnce {
	return &YieldOnce{}
}

func (y *YieldOnce) Resume(cx *Context) Outcome[struct{}] {
	if y.yielded {
		return Complete(struct{}{})
	}
	y.yielded = true
	cx.yieldNow()
	return Suspend[struct{}]()
}

// Deadline races a computation against a timer. It is the awaitable behind
// Timeout.
type Deadline[T any] struct {
	inner Computation[T]
	timer *Delay
}

// Timeout races c against a d timer, measured from the first resumption.
// If c completes first the timer entry is retracted, otherwise c is
// cancelled (if it implements Canceler) and the outcome is ErrTimeout.
func Timeout[T any](d time.Duration, c Computation[T]) *Deadline[T] {
	return &Deadline[T]{inner: c, timer: Sleep(d)}
}

func (t *Deadline[T]) Resume(cx *Context) Outcome[T] {
	o := t.inner.Resume(cx)
	if !o.Pending() {
		t.timer.Cancel()
		return o
	}
	switch to := t.timer.Resume(cx); to.Kind() {
	case OutcomeSuspended:
		return Suspend[T]()
	case OutcomeCompleted:
		t.cancelInner()
		return Fail[T](ErrTimeout)
	default:
		t.cancelInner()
		return Forward[T](to)
	}
}

// Cancel retracts both the timer and the inner computation.
func (t *Deadline[T]) Cancel() {
	t.timer.Cancel()
	t.cancelInner()
}

func (t *Deadline[T]) cancelInner() {
	if c, ok := t.inner.(Canceler); ok {
		c.Cancel()
	}
}
