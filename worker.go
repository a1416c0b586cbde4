package cycle

import (
	"math/rand/v2"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// worker owns a local queue, and resumes tasks on a single goroutine
// (optionally locked to an OS thread).
type worker struct {
	sched   *Scheduler
	local   *localQueue
	rng     *rand.Rand
	metrics *workerMetrics
	// unpark carries at most one pending wake token.
	unpark  chan struct{}
	scratch []*task
	name    string
	stats   workerStats
	id      int
	// sinceScavenge counts resumes since the last registry scavenge.
	sinceScavenge int
	// goroutineID identifies the worker's goroutine while running.
	goroutineID atomic.Uint64
	// parked is guarded by Scheduler.idleMu.
	parked bool
}

func newWorker(s *Scheduler, id int) *worker {
	w := &worker{
		sched:   s,
		local:   newLocalQueue(s.cfg.LocalQueueCapacity),
		rng:     rand.New(rand.NewPCG(uint64(id)+1, uint64(time.Now().UnixNano()))),
		unpark:  make(chan struct{}, 1),
		scratch: make([]*task, 0, s.cfg.LocalQueueCapacity/2+1),
		name:    s.cfg.WorkerName + `-` + strconv.Itoa(id),
		id:      id,
	}
	if s.cfg.EnableMetrics {
		w.metrics = &workerMetrics{}
	}
	return w
}

func (w *worker) run() error {
	if w.sched.cfg.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	w.goroutineID.Store(getGoroutineID())
	defer w.goroutineID.Store(0)

	w.sched.logger.Debug().
		Str(`worker`, w.name).
		Log(`worker started`)

	for !w.sched.stopFlag.Load() {
		if w.runOnce() {
			continue
		}
		found := false
		for pass := 0; pass < w.sched.cfg.MaxIdlePasses; pass++ {
			runtime.Gosched()
			if w.runOnce() {
				found = true
				break
			}
		}
		if !found {
			w.park()
		}
	}

	// tasks left behind are handed to the global queue, so they remain
	// reachable by cancellation and stats
	w.local.drainTo(w.sched.global.push)

	w.sched.logger.Debug().
		Str(`worker`, w.name).
		Log(`worker stopped`)
	return nil
}

// runOnce finds and resumes at most one task, returning false if none was
// found.
func (w *worker) runOnce() bool {
	t := w.findTask()
	if t == nil {
		return false
	}
	w.resume(t)
	if w.sinceScavenge++; w.sinceScavenge >= scavengeEvery {
		w.scavenge()
	}
	return true
}

// scavenge checks a batch of the worker's registry shard for leaked tasks.
func (w *worker) scavenge() {
	w.sinceScavenge = 0
	if leaked := w.sched.registry.scavengeShard(w.id, scavengeBatch); leaked > 0 {
		w.sched.reapLeaked(leaked)
	}
}

// findTask tries, in order: the local queue, a batch from the global queue,
// and stealing half of a peer's queue.
func (w *worker) findTask() *task {
	if t := w.local.pop(); t != nil {
		return t
	}
	if t := w.pollGlobal(); t != nil {
		return t
	}
	return w.steal()
}

// pollGlobal takes a fair share of the global queue, returning the oldest
// and pushing the rest locally.
func (w *worker) pollGlobal() *task {
	s := w.sched
	n := s.global.Len()
	if n <= 0 {
		return nil
	}
	n = min(n/len(s.workers)+1, w.local.Cap()/2, s.cfg.GlobalBatch)
	batch := s.global.popBatch(w.scratch[:0], n)
	if len(batch) == 0 {
		return nil
	}
	next := batch[0]
	// reverse, so LIFO pops preserve FIFO order
	for i := len(batch) - 1; i > 0; i-- {
		if !w.local.push(batch[i]) {
			s.global.push(batch[i])
		}
	}
	clear(batch)
	if len(batch) > 1 {
		s.notifyOne()
	}
	return next
}

// steal takes half of a peer's local queue, starting at a random peer.
func (w *worker) steal() *task {
	s := w.sched
	n := len(s.workers)
	if n < 2 {
		return nil
	}
	start := w.rng.IntN(n)
	for i := 0; i < n; i++ {
		peer := s.workers[(start+i)%n]
		if peer == w {
			continue
		}
		t, moved := peer.local.stealInto(w.local, w.scratch)
		if t == nil {
			continue
		}
		w.stats.steals.Add(1)
		w.stats.stolen.Add(uint64(moved))
		if moved > 1 {
			s.notifyOne()
		}
		return t
	}
	return nil
}

// resume drives t once, as its single active resumer.
func (w *worker) resume(t *task) {
	if !t.transitionToRunning() {
		return
	}
	s := w.sched
	w.stats.resumes.Add(1)
	t.cx.bind(w)

	var start time.Time
	if w.metrics != nil {
		start = time.Now()
	}

	var kind OutcomeKind
	if t.cancelRequested() {
		kind = OutcomeCancelled
	} else {
		kind = t.body.step(&t.cx)
	}

	if w.metrics != nil {
		w.metrics.record(time.Since(start), w.local.Len())
	}

	if kind == OutcomeSuspended {
		yielded := t.cx.yielded
		t.cx.unbind()
		if t.transitionToIdle() {
			if yielded {
				s.inject(t)
			} else {
				w.pushLocal(t)
			}
		}
		return
	}

	t.cx.retractAll()
	if kind == OutcomeCancelled {
		t.body.abort()
	}
	t.cx.unbind()
	s.complete(t, kind)
}

// pushLocal enqueues t on the worker's own queue, moving half of it to the
// global queue if full.
func (w *worker) pushLocal(t *task) {
	s := w.sched
	if !w.local.push(t) {
		overflow := w.local.takeHalf(w.scratch[:0], 0)
		s.global.pushBatch(overflow)
		clear(overflow)
		if !w.local.push(t) {
			s.global.push(t)
		}
		s.notifyOne()
		return
	}
	if s.numIdle.Load() > 0 {
		s.notifyOne()
	}
}

// park blocks until notified. Registering as idle before re-checking for
// work pairs with notifyOne, which publishes work before checking for idle
// workers, so a wake cannot be lost.
func (w *worker) park() {
	s := w.sched
	w.scavenge()

	s.idleMu.Lock()
	w.parked = true
	s.idle = append(s.idle, w)
	s.numIdle.Add(1)
	s.idleMu.Unlock()

	if s.hasWork() || s.stopFlag.Load() {
		s.unidle(w)
		return
	}

	w.stats.parks.Add(1)
	<-w.unpark
}

// getGoroutineID returns the current goroutine's ID, parsed from the stack
// header. Only used off the hot path.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
