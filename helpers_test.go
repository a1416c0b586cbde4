package cycle

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// newTestScheduler starts a scheduler, shutting it down immediately on
// cleanup.
func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(append([]Option{WithWorkers(4), WithIO(false)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx, ShutdownImmediate)
	})
	return s
}

// newSteppedScheduler returns a scheduler whose workers are not started,
// so tests can drive them with runOnce.
func newSteppedScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := newScheduler(append([]Option{WithIO(false), WithTimers(false)}, opts...), false)
	if err != nil {
		t.Fatalf("newScheduler: %v", err)
	}
	return s
}

// runUntilIdle steps the workers round robin until none finds work.
func runUntilIdle(t *testing.T, s *Scheduler) int {
	t.Helper()
	steps := 0
	for {
		progress := false
		for _, w := range s.workers {
			if w.runOnce() {
				progress = true
				steps++
			}
		}
		if !progress {
			return steps
		}
		if steps > 1_000_000 {
			t.Fatal("runUntilIdle: no quiescence after 1e6 steps")
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func joinWithin[T any](t *testing.T, h *Handle[T], timeout time.Duration) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := h.Join(ctx)
	if ctx.Err() != nil {
		t.Fatalf("task %d did not finish within %v", h.ID(), timeout)
	}
	return v, err
}

// countingWaker records wakes, for exercising wake sources in isolation.
type countingWaker struct {
	n     atomic.Int32
	order *[]int
	mu    *sync.Mutex
	id    int
}

func (w *countingWaker) Wake() bool {
	w.n.Add(1)
	if w.order != nil {
		w.mu.Lock()
		*w.order = append(*w.order, w.id)
		w.mu.Unlock()
	}
	return true
}

// fakePoller is a simulated readiness backend. Tests mark fds ready with
// signal, and inject Poll failures with failNext.
type fakePoller struct {
	armed    map[int]Interest
	pending  map[int]Interest
	failures []error
	regErr   error
	kick     chan struct{}
	polls    atomic.Int64
	mu       sync.Mutex
	closed   bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		armed:   make(map[int]Interest),
		pending: make(map[int]Interest),
		kick:    make(chan struct{}, 1),
	}
}

func (p *fakePoller) Register(fd int, interest Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.regErr != nil {
		return p.regErr
	}
	p.armed[fd] = interest
	return nil
}

func (p *fakePoller) Modify(fd int, interest Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.armed[fd]; !ok {
		return ErrFDNotRegistered
	}
	p.armed[fd] = interest
	return nil
}

func (p *fakePoller) Deregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.armed, fd)
	return nil
}

func (p *fakePoller) Poll(timeout time.Duration, events []Event) (int, error) {
	p.polls.Add(1)
	if n, err, ok := p.collect(events); ok {
		return n, err
	}
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-p.kick:
	case <-timer:
	}
	n, err, _ := p.collect(events)
	return n, err
}

// collect returns queued failures first, then level-triggered readiness
// of armed fds.
func (p *fakePoller) collect(events []Event) (int, error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPollerClosed, true
	}
	if len(p.failures) != 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return 0, err, true
	}
	n := 0
	for fd, ready := range p.pending {
		armed, ok := p.armed[fd]
		if !ok || n == len(events) {
			continue
		}
		if r := ready & (armed | ErrorCond | Hangup); r != 0 {
			events[n] = Event{FD: fd, Ready: r}
			n++
		}
	}
	return n, nil, n != 0
}

// signal makes fd level-ready for ready, until cleared.
func (p *fakePoller) signal(fd int, ready Interest) {
	p.mu.Lock()
	p.pending[fd] |= ready
	p.mu.Unlock()
	_ = p.Wakeup()
}

func (p *fakePoller) clear(fd int) {
	p.mu.Lock()
	delete(p.pending, fd)
	p.mu.Unlock()
}

func (p *fakePoller) failNext(errs ...error) {
	p.mu.Lock()
	p.failures = append(p.failures, errs...)
	p.mu.Unlock()
	_ = p.Wakeup()
}

func (p *fakePoller) armedInterest(fd int) (Interest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.armed[fd]
	return i, ok
}

func (p *fakePoller) Wakeup() error {
	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
