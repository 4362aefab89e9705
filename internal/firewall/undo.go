package firewall

import (
	"context"
)

// undoStack records compensating actions as each step of a multi-step
// change succeeds.
type undoStack struct {
	steps []undoStep
}

type undoStep struct {
	description string
	remediation string
	undo        func(ctx context.Context) error
}

// Push records the undo for a step that just succeeded.
func (u *undoStack) Push(description, remediation string, undo func(ctx context.Context) error) {
	u.steps = append(u.steps, undoStep{description: description, remediation: remediation, undo: undo})
}

func (u *undoStack) Len() int { return len(u.steps) }

// Rollback runs every recorded undo in reverse order, even after one fails,
// and empties the stack. It returns cause unchanged when all undos succeed,
// otherwise a *RollbackError listing the failed steps.
func (u *undoStack) Rollback(ctx context.Context, op string, cause error) error {
	// Undo even when the caller's context is already cancelled.
	ctx = context.WithoutCancel(ctx)

	var failed []RollbackStep
	for i := len(u.steps) - 1; i >= 0; i-- {
		s := u.steps[i]
		if err := s.undo(ctx); err != nil {
			failed = append(failed, RollbackStep{Description: s.description, Remediation: s.remediation, Err: err})
		}
	}
	u.steps = nil

	if len(failed) == 0 {
		return cause
	}
	return &RollbackError{Op: op, Cause: cause, Failed: failed}
}
