package migration

import (
	"fmt"

	"github.com/google/uuid"
)

type targetKind int

const (
	targetLatest targetKind = iota
	targetSeq
	targetRollback
)

// Target describes the state a run should reach.
type Target struct {
	kind        targetKind
	seq         int
	steps       int
	forwardOnly bool
}

// Latest targets the newest migration defined by the source.
func Latest() Target {
	return Target{kind: targetLatest}
}

// To targets an exact sequence number, moving forward or backward as needed.
// To(0) reverts everything.
func To(seq int) Target {
	return Target{kind: targetSeq, seq: seq}
}

// UpTo is To restricted to forward movement; a target at or below the
// current tail is already satisfied.
func UpTo(seq int) Target {
	return Target{kind: targetSeq, seq: seq, forwardOnly: true}
}

// Rollback targets reverting the last steps applied migrations.
func Rollback(steps int) Target {
	return Target{kind: targetRollback, steps: steps}
}

func (t Target) String() string {
	switch t.kind {
	case targetLatest:
		return "latest"
	case targetSeq:
		if t.forwardOnly {
			return fmt.Sprintf("up to %d", t.seq)
		}
		return fmt.Sprintf("seq %d", t.seq)
	case targetRollback:
		return fmt.Sprintf("rollback %d", t.steps)
	default:
		return "unknown"
	}
}

func (t Target) validate() error {
	switch t.kind {
	case targetLatest:
		return nil
	case targetSeq:
		if t.seq < 0 {
			return fmt.Errorf("%w: negative sequence %d", ErrInvalidTarget, t.seq)
		}
		return nil
	case targetRollback:
		if t.steps <= 0 {
			return fmt.Errorf("%w: rollback steps must be positive, got %d", ErrInvalidTarget, t.steps)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown target kind %d", ErrInvalidTarget, t.kind)
	}
}

// BuildPlan computes the operations that move the applied records to target.
//
// candidates must be sorted by SeqOrder (as returned by a Source) and applied
// by SeqOrder as well (as returned by Store.ListApplied). The applied records
// must be a prefix of the candidates; anything else is drift and yields
// ErrPlanConflict. When nothing needs to run the plan is returned together
// with ErrEmptyTarget.
func BuildPlan(candidates []Migration, applied []Record, target Target) (Plan, error) {
	plan := Plan{Target: target}
	if err := target.validate(); err != nil {
		return plan, err
	}
	if err := CheckDrift(candidates, applied); err != nil {
		return plan, err
	}
	plan.Modified = modifiedMigrations(candidates, applied)

	head := 0
	if len(applied) > 0 {
		head = applied[len(applied)-1].SeqOrder
	}
	pending := candidates[len(applied):]

	switch target.kind {
	case targetLatest:
		plan.Operations = forward(pending, func(Migration) bool { return true })

	case targetSeq:
		if target.seq != 0 && !definesSeq(candidates, target.seq) {
			return plan, fmt.Errorf("%w: target sequence %d is not defined by the source", ErrPlanConflict, target.seq)
		}
		switch {
		case target.seq > head:
			plan.Operations = forward(pending, func(m Migration) bool { return m.SeqOrder <= target.seq })
		case target.seq < head && !target.forwardOnly:
			plan.Operations = backward(applied, func(r Record) bool { return r.SeqOrder > target.seq })
		}

	case targetRollback:
		n := min(target.steps, len(applied))
		plan.Operations = backward(applied[len(applied)-n:], func(Record) bool { return true })
	}

	if len(plan.Operations) == 0 {
		return plan, fmt.Errorf("%w: %s (current sequence %d)", ErrEmptyTarget, target, head)
	}
	return plan, nil
}

// CheckDrift verifies that applied is a prefix of candidates, matching by id
// and sequence number position by position.
func CheckDrift(candidates []Migration, applied []Record) error {
	for i, rec := range applied {
		if i >= len(candidates) {
			return fmt.Errorf("%w: applied migration %s (%s) is not defined by the source", ErrPlanConflict, rec.Migration, rec.ID)
		}
		want := candidates[i]
		switch {
		case rec.SeqOrder != want.SeqOrder:
			return fmt.Errorf("%w: applied sequence %d found where %d was expected (gap or out-of-order application)",
				ErrPlanConflict, rec.SeqOrder, want.SeqOrder)
		case rec.ID != want.ID:
			return fmt.Errorf("%w: sequence %d applied as %s but the source defines %s",
				ErrPlanConflict, rec.SeqOrder, rec.ID, want.ID)
		}
	}
	return nil
}

func modifiedMigrations(candidates []Migration, applied []Record) []uuid.UUID {
	var modified []uuid.UUID
	for i, rec := range applied {
		if rec.Checksum() != candidates[i].Checksum() {
			modified = append(modified, rec.ID)
		}
	}
	return modified
}

func forward(pending []Migration, include func(Migration) bool) []Operation {
	var ops []Operation
	for _, m := range pending {
		if !include(m) {
			break
		}
		ops = append(ops, Operation{Migration: m, Direction: Forward})
	}
	return ops
}

// backward walks applied from the tail, using the stored scripts.
func backward(applied []Record, include func(Record) bool) []Operation {
	var ops []Operation
	for i := len(applied) - 1; i >= 0; i-- {
		if !include(applied[i]) {
			break
		}
		ops = append(ops, Operation{Migration: applied[i].Migration, Direction: Backward})
	}
	return ops
}

func definesSeq(candidates []Migration, seq int) bool {
	for _, m := range candidates {
		if m.SeqOrder == seq {
			return true
		}
	}
	return false
}
