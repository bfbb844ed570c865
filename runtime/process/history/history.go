// Package history keeps queryable records of finished work. Records are a
// projection of the lifecycle event stream, so they survive instance
// deletion and never feed back into execution.
package history

import (
	"context"
	"time"
)

type (
	// ProcessRecord mirrors one process instance.
	ProcessRecord struct {
		// ProcessInstanceID keys the record.
		ProcessInstanceID string
		DefinitionID      string
		DefinitionKey     string
		Version           int
		BusinessKey       string
		TenantID          string
		// State is the last observed instance state.
		State     string
		StartTime time.Time
		EndTime   time.Time
	}

	// ActivityRecord mirrors one pass of a token through an element.
	ActivityRecord struct {
		// ID is the lifecycle event ID of the start transition.
		ID                string
		ProcessInstanceID string
		ExecutionID       string
		ElementID         string
		ElementKind       string
		Name              string
		// State is STARTED, COMPLETED or CANCELLED.
		State     string
		StartTime time.Time
		EndTime   time.Time
	}

	// TaskRecord mirrors one user task.
	TaskRecord struct {
		// TaskID keys the record.
		TaskID            string
		ProcessInstanceID string
		ElementID         string
		Name              string
		Assignee          string
		// State is CREATED, CLAIMED or COMPLETED.
		State      string
		CreateTime time.Time
		ClaimTime  time.Time
		EndTime    time.Time
	}

	// ProcessRepository persists process records.
	ProcessRepository interface {
		Insert(ctx context.Context, rec *ProcessRecord) error
		Get(ctx context.Context, processInstanceID string) (*ProcessRecord, error)
		Update(ctx context.Context, rec *ProcessRecord) error
		Delete(ctx context.Context, processInstanceID string) error
		List(ctx context.Context, definitionKey string, limit int) ([]*ProcessRecord, error)
	}

	// ActivityRepository persists activity records.
	ActivityRepository interface {
		Insert(ctx context.Context, rec *ActivityRecord) error
		Update(ctx context.Context, rec *ActivityRecord) error
		// Open returns the record for the execution's current pass through
		// the element, if its end time is still unset.
		Open(ctx context.Context, executionID, elementID string) (*ActivityRecord, error)
		ByInstance(ctx context.Context, processInstanceID string) ([]*ActivityRecord, error)
		DeleteByInstance(ctx context.Context, processInstanceID string) error
	}

	// TaskRepository persists task records.
	TaskRepository interface {
		Insert(ctx context.Context, rec *TaskRecord) error
		Get(ctx context.Context, taskID string) (*TaskRecord, error)
		Update(ctx context.Context, rec *TaskRecord) error
		ByInstance(ctx context.Context, processInstanceID string) ([]*TaskRecord, error)
		DeleteByInstance(ctx context.Context, processInstanceID string) error
	}
)

// Ended reports whether the process record reached a terminal state.
func (r *ProcessRecord) Ended() bool {
	return !r.EndTime.IsZero()
}
