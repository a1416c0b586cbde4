package cycle

import "testing"

func TestFastState_Transitions(t *testing.T) {
	var s fastState
	if s.Load() != StateRunning || !s.CanAcceptWork() {
		t.Fatal("zero value is not running")
	}
	if s.TryTransition(StateDraining, StateTerminating) {
		t.Fatal("transition from the wrong state succeeded")
	}
	if !s.TryTransition(StateRunning, StateDraining) || s.CanAcceptWork() {
		t.Fatal("draining still accepts work")
	}
	if !s.TransitionAny([]SchedulerState{StateRunning, StateDraining}, StateTerminating) {
		t.Fatal("TransitionAny failed")
	}
	if s.TransitionAny([]SchedulerState{StateRunning, StateDraining}, StateTerminating) {
		t.Fatal("TransitionAny from terminating succeeded")
	}
	s.Store(StateTerminated)
	if got := s.Load().String(); got != "Terminated" {
		t.Fatalf("String() = %q", got)
	}
}
