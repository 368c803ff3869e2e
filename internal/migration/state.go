package migration

import "fmt"

// Phase is the coarse state of a Runner.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePlanning
	PhaseExecuting
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePlanning:
		return "planning"
	case PhaseExecuting:
		return "executing"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the tagged state of a Runner. Index and Total are meaningful while
// executing (1-based position of the operation in flight) and after a
// failure (position of the failed operation).
type State struct {
	Phase Phase
	Index int
	Total int
	Err   error
}

func (s State) String() string {
	switch s.Phase {
	case PhaseExecuting:
		return fmt.Sprintf("executing(%d/%d)", s.Index, s.Total)
	case PhaseFailed:
		if s.Total > 0 {
			return fmt.Sprintf("failed(%d/%d)", s.Index, s.Total)
		}
		return "failed"
	default:
		return s.Phase.String()
	}
}

// Terminal reports whether the run has finished.
func (s State) Terminal() bool {
	return s.Phase == PhaseCompleted || s.Phase == PhaseFailed
}
