package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

const (
	// scavengeBatch is the number of registry slots checked per scavenge.
	scavengeBatch = 64
	// scavengeEvery is the number of resumes between a busy worker's
	// scavenges of its registry shard.
	scavengeEvery = 256
	// scavengeInterval paces scavenging while a shutdown waits.
	scavengeInterval = 20 * time.Millisecond
)

// ErrReentrantShutdown is returned by Shutdown when called from a task or
// a Blocking call, since joining the runtime's goroutines would wait on the
// caller.
var ErrReentrantShutdown = errors.New("cycle: cannot call Shutdown from within a task")

// ShutdownMode selects how Shutdown treats live tasks.
type ShutdownMode int

const (
	// ShutdownGraceful rejects new spawns, and waits for live tasks to reach
	// a terminal state.
	ShutdownGraceful ShutdownMode = iota
	// ShutdownImmediate cancels every live task, waking them so they unwind,
	// and waits at most Config.ShutdownGrace for them.
	ShutdownImmediate
)

func (m ShutdownMode) String() string {
	switch m {
	case ShutdownGraceful:
		return "graceful"
	case ShutdownImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// Scheduler owns the workers, run queues, reactor, timer wheel and blocking
// pool. It is constructed explicitly, and started by New.
type Scheduler struct {
	logger      *logiface.Logger[logiface.Event]
	reactor     *reactor
	timers      *timerWheel
	timerDriver *timerDriver
	blocking    *blockingPool
	registry    *registry
	tps         *tpsCounter
	groupErr    error
	fatal       error
	workers     []*worker
	idle        []*worker
	stopping    chan struct{}
	drained     chan struct{}
	terminated  chan struct{}
	started     time.Time
	group       errgroup.Group
	cfg         Config
	global      injector
	stats       schedulerStats
	globalMax   maxTracker
	fatalMu     sync.Mutex
	idleMu      sync.Mutex
	drainOnce   sync.Once
	stopOnce    sync.Once
	numIdle     atomic.Int32
	live        atomic.Int64
	nextID      atomic.Uint64
	stopFlag    atomic.Bool
	state       fastState
}

// New constructs and starts a Scheduler.
func New(opts ...Option) (*Scheduler, error) {
	return newScheduler(opts, true)
}

// newScheduler optionally leaves the workers unstarted, so tests can step
// them deterministically with runOnce.
func newScheduler(opts []Option, start bool) (*Scheduler, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	cfg := o.cfg

	s := &Scheduler{
		logger:     o.logger,
		registry:   newRegistry(cfg.Workers),
		stopping:   make(chan struct{}),
		drained:    make(chan struct{}),
		terminated: make(chan struct{}),
		started:    time.Now(),
		cfg:        cfg,
	}
	if cfg.EnableMetrics {
		s.tps = newTPSCounter(10*time.Second, 100*time.Millisecond)
	}

	s.workers = make([]*worker, cfg.Workers)
	for i := range s.workers {
		s.workers[i] = newWorker(s, i)
	}

	if cfg.EnableIO {
		poller := o.poller
		if poller == nil {
			if poller, err = newPlatformPoller(cfg.PollEvents); err != nil {
				return nil, fmt.Errorf("cycle: create poller: %w", err)
			}
		}
		s.reactor = newReactor(s, poller, cfg)
	}

	if cfg.EnableTimers {
		if s.reactor != nil {
			s.timers = newTimerWheel(nil)
			s.reactor.attachTimers(s.timers)
		} else {
			s.timerDriver = newTimerDriver(cfg.MaxPollTimeout, s.stopping)
			s.timerDriver.onFired = s.onTimersFired
			s.timers = s.timerDriver.wheel
		}
	}

	if cfg.BlockingThreads > 0 {
		s.blocking = newBlockingPool(s, cfg.BlockingThreads)
	}

	if start {
		s.start()
	}
	return s, nil
}

func (s *Scheduler) start() {
	for _, w := range s.workers {
		s.group.Go(w.run)
	}
	if s.reactor != nil {
		s.group.Go(s.reactor.run)
	}
	if s.timerDriver != nil {
		s.group.Go(s.timerDriver.run)
	}
	if s.blocking != nil {
		s.blocking.start(&s.group)
	}
	s.logger.Info().
		Int(`workers`, len(s.workers)).
		Bool(`io`, s.reactor != nil).
		Bool(`timers`, s.timers != nil).
		Int(`blocking_threads`, s.cfg.BlockingThreads).
		Log(`scheduler started`)
}

// Spawn submits a computation, returning its join handle. Spawning from
// inside a task is allowed, but SpawnLocal keeps the child on the current
// worker.
func Spawn[T any](s *Scheduler, c Computation[T]) (*Handle[T], error) {
	return spawn(s, c, nil)
}

// SpawnFunc is Spawn for a Func.
func SpawnFunc[T any](s *Scheduler, fn func(cx *Context) Outcome[T]) (*Handle[T], error) {
	return spawn[T](s, Func[T](fn), nil)
}

// SpawnLocal spawns onto the local queue of the worker resuming cx.
func SpawnLocal[T any](cx *Context, c Computation[T]) (*Handle[T], error) {
	return spawn(cx.Scheduler(), c, cx.w)
}

func spawn[T any](s *Scheduler, c Computation[T], w *worker) (*Handle[T], error) {
	if c == nil {
		panic(`cycle: nil computation`)
	}
	// counted live before the state check, pairing with Shutdown, which
	// changes state before checking live
	s.live.Add(1)
	if !s.state.CanAcceptWork() {
		s.taskDone()
		return nil, ErrSpawnRejected
	}
	body := &cell[T]{comp: c}
	t := newTask(s, s.nextID.Add(1), body)
	hint := -1
	if w != nil {
		hint = w.id
	}
	s.registry.add(t, hint)
	s.stats.spawned.Add(1)
	h := newHandle(t, body)
	if s.state.Load() >= StateTerminating {
		// raced an immediate shutdown's cancel pass
		t.requestCancel()
	}
	if w != nil {
		w.pushLocal(t)
	} else {
		s.inject(t)
	}
	return h, nil
}

// schedule is the wake injection entry point: it makes t runnable, and
// enqueues it on the global queue if this call won the transition.
func (s *Scheduler) schedule(t *task) {
	if t.wake() {
		s.inject(t)
	}
}

func (s *Scheduler) inject(t *task) {
	s.global.push(t)
	if s.tps != nil {
		s.globalMax.observe(int64(s.global.Len()))
	}
	s.notifyOne()
}

// notifyOne unparks an idle worker, if any.
func (s *Scheduler) notifyOne() {
	if s.numIdle.Load() == 0 {
		return
	}
	s.idleMu.Lock()
	n := len(s.idle)
	if n == 0 {
		s.idleMu.Unlock()
		return
	}
	w := s.idle[n-1]
	s.idle[n-1] = nil
	s.idle = s.idle[:n-1]
	w.parked = false
	s.numIdle.Add(-1)
	s.idleMu.Unlock()
	select {
	case w.unpark <- struct{}{}:
	default:
	}
}

// unidle removes w from the idle set, after its re-check found work.
func (s *Scheduler) unidle(w *worker) {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if !w.parked {
		// already claimed by notifyOne, leaving a token that makes the
		// next park return immediately
		return
	}
	for i, v := range s.idle {
		if v == w {
			last := len(s.idle) - 1
			s.idle[i] = s.idle[last]
			s.idle[last] = nil
			s.idle = s.idle[:last]
			break
		}
	}
	w.parked = false
	s.numIdle.Add(-1)
}

func (s *Scheduler) unparkAll() {
	s.idleMu.Lock()
	idle := s.idle
	s.idle = nil
	for _, w := range idle {
		w.parked = false
	}
	s.numIdle.Store(0)
	s.idleMu.Unlock()
	for _, w := range idle {
		select {
		case w.unpark <- struct{}{}:
		default:
		}
	}
}

// hasWork reports whether any queue is non-empty.
func (s *Scheduler) hasWork() bool {
	if s.global.Len() > 0 {
		return true
	}
	for _, w := range s.workers {
		if w.local.Len() > 0 {
			return true
		}
	}
	return false
}

// complete records a terminal task, and drops the scheduler's reference.
func (s *Scheduler) complete(t *task, kind OutcomeKind) {
	t.finish(kind)
	s.registry.remove(t)
	switch kind {
	case OutcomeCompleted:
		s.stats.completed.Add(1)
	case OutcomeFailed:
		s.stats.failed.Add(1)
		var pe *PanicError
		if errors.As(t.body.failure(), &pe) {
			s.logger.Err().
				Uint64(`task`, t.id).
				Str(`panic`, fmt.Sprint(pe.Value)).
				Log(`task panicked`)
		}
	case OutcomeCancelled:
		s.stats.cancelled.Add(1)
	}
	if s.tps != nil {
		s.tps.increment(time.Now())
	}
	s.taskDone()
	t.release()
}

// taskDone decrements the live count, signalling a waiting shutdown.
func (s *Scheduler) taskDone() {
	if s.live.Add(-1) == 0 && s.state.Load() != StateRunning {
		s.signalDrained()
	}
}

func (s *Scheduler) signalDrained() {
	s.drainOnce.Do(func() { close(s.drained) })
}

// reapLeaked accounts for tasks collected while suspended.
func (s *Scheduler) reapLeaked(n int) {
	s.stats.leaked.Add(uint64(n))
	s.logger.Warning().
		Int(`count`, n).
		Log(`collected suspended tasks that could never be woken`)
	for range n {
		s.taskDone()
	}
}

func (s *Scheduler) onTimersFired(n int) {
	s.stats.timersFired.Add(uint64(n))
}

func (s *Scheduler) setFatal(err error) {
	s.fatalMu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.fatalMu.Unlock()
}

// fallbackTimers drives w on the calling goroutine until shutdown, after the
// reactor that drove it failed.
func (s *Scheduler) fallbackTimers(w *timerWheel) {
	d := &timerDriver{
		wheel:   w,
		kick:    make(chan struct{}, 1),
		stop:    s.stopping,
		onFired: s.onTimersFired,
		idle:    s.cfg.MaxPollTimeout,
	}
	w.setNotify(d.wake)
	_ = d.run()
}

// Err returns the fatal reactor failure, if any, as a *PollError.
func (s *Scheduler) Err() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

// State returns the lifecycle state.
func (s *Scheduler) State() SchedulerState {
	return s.state.Load()
}

// Done returns a channel closed once the scheduler is terminated.
func (s *Scheduler) Done() <-chan struct{} {
	return s.terminated
}

// Workers returns the number of workers.
func (s *Scheduler) Workers() int {
	return len(s.workers)
}

// Shutdown stops the scheduler, joining every worker.
//
// A graceful shutdown that outlives ctx escalates to immediate, and returns
// ctx.Err(). Otherwise the result is nil, or the fatal reactor failure. It
// is safe to call more than once, and concurrently.
func (s *Scheduler) Shutdown(ctx context.Context, mode ShutdownMode) error {
	if s.onWorker() {
		return ErrReentrantShutdown
	}

	switch mode {
	case ShutdownGraceful:
		if s.state.TryTransition(StateRunning, StateDraining) {
			s.logger.Info().
				Int64(`live`, s.live.Load()).
				Log(`graceful shutdown started`)
		}
		if s.live.Load() == 0 {
			s.signalDrained()
		}
		if !s.waitDrained(ctx.Done(), nil) {
			s.logger.Warning().
				Int64(`live`, s.live.Load()).
				Log(`graceful shutdown deadline exceeded, cancelling live tasks`)
			s.cancelAll()
			grace := time.NewTimer(s.cfg.ShutdownGrace)
			s.waitDrained(nil, grace.C)
			grace.Stop()
			_ = s.terminate()
			return ctx.Err()
		}

	case ShutdownImmediate:
		if s.state.TransitionAny([]SchedulerState{StateRunning, StateDraining}, StateTerminating) {
			s.logger.Info().
				Int64(`live`, s.live.Load()).
				Log(`immediate shutdown started`)
		}
		if s.live.Load() == 0 {
			s.signalDrained()
		}
		s.cancelAll()
		grace := time.NewTimer(s.cfg.ShutdownGrace)
		drained := s.waitDrained(nil, grace.C)
		grace.Stop()
		if !drained {
			s.logger.Warning().
				Int64(`live`, s.live.Load()).
				Log(`abandoning tasks that did not unwind within the grace period`)
		}

	default:
		return fmt.Errorf("cycle: unknown shutdown mode %d", mode)
	}

	return s.terminate()
}

// waitDrained waits for live tasks to reach zero, scavenging tasks that
// can never wake, returning false if cancelled or expired first.
func (s *Scheduler) waitDrained(cancelled <-chan struct{}, expired <-chan time.Time) bool {
	ticker := time.NewTicker(scavengeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.drained:
			return true
		case <-cancelled:
			return false
		case <-expired:
			return false
		case <-ticker.C:
			if leaked := s.registry.scavenge(scavengeBatch * 16); leaked > 0 {
				s.reapLeaked(leaked)
			}
		}
	}
}

// cancelAll requests cancellation of every live task, and wakes it so it
// unwinds at its next resumption.
func (s *Scheduler) cancelAll() {
	s.state.TransitionAny([]SchedulerState{StateRunning, StateDraining}, StateTerminating)
	s.registry.forEach(func(t *task) {
		if t.requestCancel() {
			s.schedule(t)
		}
	})
}

// terminate stops every goroutine, exactly once.
func (s *Scheduler) terminate() error {
	s.stopOnce.Do(func() {
		s.state.TransitionAny([]SchedulerState{StateRunning, StateDraining}, StateTerminating)
		s.stopFlag.Store(true)
		close(s.stopping)
		s.unparkAll()
		if s.reactor != nil {
			s.reactor.shutdown()
		}
		if s.blocking != nil {
			s.blocking.close()
		}
		s.groupErr = s.group.Wait()
		if s.timers != nil {
			for _, target := range s.timers.drain() {
				if w, ok := target.(*Waker); ok {
					w.Drop()
				}
			}
		}
		s.state.Store(StateTerminated)
		close(s.terminated)
		s.logger.Info().
			Uint64(`completed`, s.stats.completed.Load()).
			Uint64(`failed`, s.stats.failed.Load()).
			Uint64(`cancelled`, s.stats.cancelled.Load()).
			Log(`scheduler terminated`)
	})
	<-s.terminated
	return s.groupErr
}

// onWorker reports whether the caller is a worker goroutine, or a blocking
// pool goroutine.
func (s *Scheduler) onWorker() bool {
	id := getGoroutineID()
	for _, w := range s.workers {
		if w.goroutineID.Load() == id {
			return true
		}
	}
	return s.blocking != nil && s.blocking.onPool(id)
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		LocalDepths: make([]int, len(s.workers)),
		Uptime:      time.Since(s.started),
		Live:        s.live.Load(),
		GlobalDepth: s.global.Len(),
		Spawned:     s.stats.spawned.Load(),
		Completed:   s.stats.completed.Load(),
		Failed:      s.stats.failed.Load(),
		Cancelled:   s.stats.cancelled.Load(),
		Leaked:      s.stats.leaked.Load(),
		Disposed:    s.stats.disposed.Load(),
		IOEvents:    s.stats.ioEvents.Load(),
		TimersFired: s.stats.timersFired.Load(),
	}
	for i, w := range s.workers {
		st.LocalDepths[i] = w.local.Len()
		st.Resumes += w.stats.resumes.Load()
		st.Steals += w.stats.steals.Load()
		st.Stolen += w.stats.stolen.Load()
		st.Parks += w.stats.parks.Load()
	}
	return st
}

// Metrics returns a snapshot of the optional metrics, or nil if metrics are
// disabled (see WithMetrics).
func (s *Scheduler) Metrics() *Metrics {
	if s.tps == nil {
		return nil
	}
	m := &Metrics{TPS: s.tps.rate(time.Now())}
	var samples []time.Duration
	var avg float64
	for _, w := range s.workers {
		var localMax int
		var localAvg float64
		samples, localMax, localAvg = w.metrics.appendSamples(samples)
		m.Queue.LocalCurrent += w.local.Len()
		m.Queue.LocalMax = max(m.Queue.LocalMax, localMax)
		avg += localAvg
	}
	m.Queue.LocalAvg = avg / float64(len(s.workers))
	m.Queue.GlobalCurrent = s.global.Len()
	m.Queue.GlobalMax = int(s.globalMax.v.Load())
	m.Resume = summarizeLatency(samples)
	return m
}
