package cycle

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of scheduler counters. Counters are read
// individually, so a snapshot taken under load is not globally consistent.
type Stats struct {
	// LocalDepths is the length of each worker's local queue.
	LocalDepths []int
	// Uptime is the time since New.
	Uptime time.Duration
	// Live is the number of spawned tasks not yet terminal.
	Live int64
	// GlobalDepth is the length of the global queue.
	GlobalDepth int

	Spawned   uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	// Leaked counts tasks collected while suspended, with nothing left able
	// to wake them.
	Leaked uint64
	// Disposed counts tasks whose last reference was released.
	Disposed uint64

	Resumes uint64
	// Steals counts successful steal operations, and Stolen the tasks moved
	// by them.
	Steals uint64
	Stolen uint64
	Parks  uint64

	// IOEvents counts readiness events delivered by the reactor.
	IOEvents uint64
	// TimersFired counts expired timer entries.
	TimersFired uint64
}

// TasksPerSecond is the number of terminal tasks divided by uptime.
func (s Stats) TasksPerSecond() float64 {
	secs := s.Uptime.Seconds()
	if secs == 0 {
		return 0
	}
	return float64(s.Completed+s.Failed+s.Cancelled) / secs
}

// CompletionRate is the fraction of spawned tasks that completed
// successfully.
func (s Stats) CompletionRate() float64 {
	if s.Spawned == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Spawned)
}

// schedulerStats are the shared counters behind Stats. Per-resume counters
// live on each worker, to avoid contention.
type schedulerStats struct {
	spawned     atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	cancelled   atomic.Uint64
	leaked      atomic.Uint64
	disposed    atomic.Uint64
	ioEvents    atomic.Uint64
	timersFired atomic.Uint64
}

// workerStats are written by the owning worker only.
type workerStats struct {
	resumes atomic.Uint64
	steals  atomic.Uint64
	stolen  atomic.Uint64
	parks   atomic.Uint64
}
