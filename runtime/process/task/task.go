// Package task models user tasks: work items created by the interpreter
// when a token reaches a user task element and completed through the
// runtime API. Claiming is advisory; completion is what moves the token.
package task

import (
	"context"
	"time"

	"goa.design/flow/runtime/process/engine"
)

// State is the task lifecycle state.
type State string

const (
	StateCreated   State = "CREATED"
	StateClaimed   State = "CLAIMED"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether the task accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

type (
	// Task is one open or historical work item.
	Task struct {
		ID                string
		ProcessInstanceID string
		ExecutionID       string
		// ElementID is the user task element.
		ElementID string
		Name      string
		Assignee  string
		State     State
		// ScopeID is the task-local variable scope, destroyed on
		// completion.
		ScopeID    string
		CreateTime time.Time
		ClaimTime  time.Time
		EndTime    time.Time
	}

	// Filter narrows task listings. Zero fields match everything.
	Filter struct {
		ProcessInstanceID string
		Assignee          string
		States            []State
		Limit             int
	}

	// Repository persists tasks.
	Repository interface {
		Create(ctx context.Context, t *Task) error
		Get(ctx context.Context, id string) (*Task, error)
		Update(ctx context.Context, t *Task) error
		Delete(ctx context.Context, id string) error
		ByInstance(ctx context.Context, processInstanceID string) ([]*Task, error)
		List(ctx context.Context, filter Filter) ([]*Task, error)
	}
)

// Claim assigns the task to user. Reclaiming by the same user is a no-op;
// claiming another user's task or a finished task is a conflict.
func (t *Task) Claim(user string, now time.Time) error {
	if user == "" {
		return engine.Errorf(engine.KindValidation, "claim requires a user")
	}
	switch t.State {
	case StateCreated:
	case StateClaimed:
		if t.Assignee != user {
			return engine.Errorf(engine.KindConflict, "task %s is claimed by %s", t.ID, t.Assignee)
		}
		return nil
	default:
		return engine.Errorf(engine.KindConflict, "task %s is %s", t.ID, t.State)
	}
	t.State = StateClaimed
	t.Assignee = user
	t.ClaimTime = now
	return nil
}

// Complete finishes the task.
func (t *Task) Complete(now time.Time) error {
	if t.State.Terminal() {
		return engine.Errorf(engine.KindConflict, "task %s is %s", t.ID, t.State)
	}
	t.State = StateCompleted
	t.EndTime = now
	return nil
}

// Cancel aborts an open task, used when the owning execution is cancelled
// or interrupted. Cancelling a finished task is a no-op.
func (t *Task) Cancel(now time.Time) {
	if t.State.Terminal() {
		return
	}
	t.State = StateCancelled
	t.EndTime = now
}
