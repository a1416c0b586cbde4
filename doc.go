// Package cycle is a multi-threaded runtime for resumable computations:
// a work-stealing scheduler, an OS readiness reactor, a timer wheel, and
// the awaitables that connect tasks to them.
//
// # Architecture
//
// A [Computation] is a state machine that is resumed, never blocked. Each
// [Computation.Resume] returns an [Outcome]: Completed, Failed, Cancelled,
// or Suspended, in which case the computation has registered a [Waker]
// (obtained from [Context.Waker]) with whatever it waits on. [Spawn] wraps a
// computation in a task, and returns a [Handle] to its result.
//
// A [Scheduler] runs tasks on a fixed set of workers. Each worker owns a
// bounded lock-free deque, pushing and popping at one end, and other workers
// steal half of it from the other. Spawns from outside a task, overflow, and
// yields go to a global queue, which idle workers drain in batches. Workers
// with nothing to do park, and are unparked as work arrives.
//
// Wake sources:
//   - The reactor polls a [Poller] (epoll on Linux, kqueue on macOS), waking
//     the tasks awaiting [IOReady]. Registrations are one-shot.
//   - The timer wheel fires [Sleep], [SleepUntil], [Interval] and [Timeout]
//     deadlines in order, FIFO for equal deadlines. It is driven by the
//     reactor, or by a dedicated goroutine when I/O is disabled.
//   - [Blocking] runs a synchronous call on a goroutine pool.
//   - [Mutex], [Oneshot] and [JoinFuture] wake tasks directly.
//
// # Task Lifecycle
//
// A task is resumed by at most one worker at a time. Wakes that arrive
// while it is pending or running coalesce into at most one further
// resumption, and a wake that arrives mid-resume is never lost.
// Cancellation ([Handle.Cancel]) is advisory: the task is resumed once more,
// its wake sources are retracted, and it finishes as Cancelled, unless it
// completed first. Results are written once, and readable any number of
// times.
//
// # Shutdown
//
// [Scheduler.Shutdown] with [ShutdownGraceful] rejects new spawns with
// [ErrSpawnRejected], and waits for every live task. If the context expires
// first, it escalates to [ShutdownImmediate], which cancels every live task
// and waits up to [Config.ShutdownGrace] for workers to exit.
//
// # Usage
//
//	s, err := cycle.New(cycle.WithWorkers(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Shutdown(context.Background(), cycle.ShutdownGraceful)
//
//	h, err := cycle.Spawn[int](s, cycle.Then(cycle.Sleep(50*time.Millisecond),
//	    func(struct{}) int { return 42 }))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	v, err := h.Join(context.Background())
//
// # Errors
//
//   - [ErrSpawnRejected]: Spawn after shutdown began
//   - [ErrCancelled]: the result of a cancelled task
//   - [*PanicError]: a computation panicked, and its worker survived
//   - [*PollError]: a reactor failure, fatal ones surfaced by [Scheduler.Err]
//   - [ErrTimeout]: the deadline of a [Timeout] won
package cycle
