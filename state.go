package cycle

import (
	"sync/atomic"
)

// SchedulerState represents the lifecycle state of a Scheduler.
//
// State Machine:
//
//	StateRunning (0) → StateDraining (1)      [Shutdown(ShutdownGraceful)]
//	StateRunning (0) → StateTerminating (2)   [Shutdown(ShutdownImmediate)]
//	StateDraining (1) → StateTerminating (2)  [escalation, or drain complete]
//	StateTerminating (2) → StateTerminated (3) [workers joined]
//	StateTerminated (3) → (terminal)
//
// Spawns are accepted only in StateRunning.
type SchedulerState uint64

const (
	// StateRunning indicates the scheduler accepts spawns and runs tasks.
	StateRunning SchedulerState = 0
	// StateDraining indicates a graceful shutdown is waiting for live tasks.
	StateDraining SchedulerState = 1
	// StateTerminating indicates live tasks are being cancelled and workers
	// are exiting.
	StateTerminating SchedulerState = 2
	// StateTerminated indicates all workers have exited.
	StateTerminated SchedulerState = 3
)

// String returns a human-readable representation of the state.
func (s SchedulerState) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding.
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte                      //nolint:unused
	v atomic.Uint64                              // SchedulerState
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte //nolint:unused
}

func (s *fastState) Load() SchedulerState {
	return SchedulerState(s.v.Load())
}

// Store is only valid for irreversible states (StateTerminated).
func (s *fastState) Store(state SchedulerState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *fastState) TryTransition(from, to SchedulerState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any of validFrom to the target.
func (s *fastState) TransitionAny(validFrom []SchedulerState, to SchedulerState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

// CanAcceptWork returns true if spawns are accepted.
func (s *fastState) CanAcceptWork() bool {
	return s.Load() == StateRunning
}
