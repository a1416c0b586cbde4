package cycle

import (
	"context"
	"errors"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-longpoll"
	"golang.org/x/sync/errgroup"
)

// blockingQueueFactor sizes the job buffer, per thread.
const blockingQueueFactor = 64

type blockingJob struct {
	run   func(ctx context.Context)
	waker *Waker
	// abandoned is set if the awaiting task stopped waiting before the job
	// started.
	abandoned atomic.Bool
}

// blockingPool runs calls that would otherwise block a worker, on a fixed
// set of goroutines. Results are delivered by waking the submitting task.
type blockingPool struct {
	sched   *Scheduler
	jobs    chan *blockingJob
	ctx     context.Context
	cancel  context.CancelFunc
	// goroutineIDs identify the serving goroutines while running.
	goroutineIDs []atomic.Uint64
	threads      int
	mu           sync.RWMutex
	closed       bool
}

func newBlockingPool(s *Scheduler, threads int) *blockingPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &blockingPool{
		sched:   s,
		jobs:    make(chan *blockingJob, threads*blockingQueueFactor),
		ctx:     ctx,
		cancel:  cancel,
		threads: threads,

		goroutineIDs: make([]atomic.Uint64, threads),
	}
}

func (p *blockingPool) start(g *errgroup.Group) {
	for i := range p.threads {
		g.Go(func() error { return p.serve(i) })
	}
}

// onPool reports whether goroutine id is serving the pool.
func (p *blockingPool) onPool(id uint64) bool {
	for i := range p.goroutineIDs {
		if p.goroutineIDs[i].Load() == id {
			return true
		}
	}
	return false
}

func (p *blockingPool) serve(i int) error {
	p.goroutineIDs[i].Store(getGoroutineID())
	defer p.goroutineIDs[i].Store(0)

	// one job per receive, so a long call never holds queued jobs hostage
	cfg := &longpoll.ChannelConfig{MaxSize: 1, MinSize: 1}
	for {
		err := longpoll.Channel(p.ctx, cfg, p.jobs, p.exec)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	}
}

func (p *blockingPool) exec(j *blockingJob) error {
	if j.abandoned.Load() {
		return nil
	}
	j.run(p.ctx)
	j.waker.Wake()
	return nil
}

// submit enqueues j without blocking.
func (p *blockingPool) submit(j *blockingJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrSchedulerClosed
	}
	select {
	case p.jobs <- j:
		return nil
	default:
		return ErrWouldBlock
	}
}

// close stops accepting jobs, and cancels the context passed to running
// ones. Jobs still queued are skipped, their tasks having been terminated.
func (p *blockingPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	close(p.jobs)
}

// BlockingCall is the awaitable behind Blocking.
type BlockingCall[T any] struct {
	fn  func(ctx context.Context) (T, error)
	job *blockingJob
	res *blockingResult[T]
}

// blockingResult is written by the pool before the wake, per submission.
type blockingResult[T any] struct {
	value T
	err   error
}

// Blocking returns an awaitable running fn on the scheduler's blocking
// pool, so a task can make a synchronous call without stalling a worker.
// The context passed to fn is cancelled when the scheduler terminates, and
// a panic in fn becomes a *PanicError. Cancelling the awaiting task does
// not interrupt fn once started. The call fails with ErrWouldBlock if the
// pool's queue is full.
func Blocking[T any](fn func(ctx context.Context) (T, error)) *BlockingCall[T] {
	if fn == nil {
		panic(`cycle: nil blocking function`)
	}
	return &BlockingCall[T]{fn: fn}
}

func (b *BlockingCall[T]) Resume(cx *Context) Outcome[T] {
	if j := b.job; j != nil {
		if !j.waker.Fired() {
			return Suspend[T]()
		}
		res := b.res
		b.job, b.res = nil, nil
		if res.err != nil {
			return Fail[T](res.err)
		}
		return Complete(res.value)
	}
	pool := cx.Scheduler().blocking
	if pool == nil {
		return Fail[T](ErrBlockingDisabled)
	}
	res := new(blockingResult[T])
	fn := b.fn
	j := &blockingJob{waker: cx.Waker()}
	j.run = func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				res.err = recoverPanic(r, debug.Stack())
			}
		}()
		res.value, res.err = fn(ctx)
	}
	j.waker.onDrop(func() { j.abandoned.Store(true) })
	if err := pool.submit(j); err != nil {
		j.waker.Drop()
		return Fail[T](err)
	}
	b.job, b.res = j, res
	return Suspend[T]()
}

// Cancel abandons the call if it has not started.
func (b *BlockingCall[T]) Cancel() {
	if j := b.job; j != nil {
		b.job, b.res = nil, nil
		j.waker.Drop()
	}
}
