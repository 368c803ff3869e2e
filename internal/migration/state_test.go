package migration

import (
	"errors"
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{State{Phase: PhaseIdle}, "idle"},
		{State{Phase: PhasePlanning}, "planning"},
		{State{Phase: PhaseExecuting, Index: 2, Total: 5}, "executing(2/5)"},
		{State{Phase: PhaseCompleted, Index: 5, Total: 5}, "completed"},
		{State{Phase: PhaseFailed, Index: 3, Total: 5, Err: errors.New("x")}, "failed(3/5)"},
		{State{Phase: PhaseFailed, Err: ErrLockTimeout}, "failed"},
		{State{Phase: Phase(9)}, "phase(9)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	for _, phase := range []Phase{PhaseIdle, PhasePlanning, PhaseExecuting} {
		if (State{Phase: phase}).Terminal() {
			t.Errorf("%s must not be terminal", phase)
		}
	}
	for _, phase := range []Phase{PhaseCompleted, PhaseFailed} {
		if !(State{Phase: phase}).Terminal() {
			t.Errorf("%s must be terminal", phase)
		}
	}
}
