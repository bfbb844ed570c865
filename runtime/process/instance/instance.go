// Package instance defines process instances, their executions (tokens) and
// the incidents raised when work exhausts its retries. An instance is the
// unit of isolation: all engine mutations for one instance are serialized.
package instance

import (
	"context"
	"time"
)

// State is the lifecycle state of a process instance.
type State string

const (
	StateActive    State = "ACTIVE"
	StateSuspended State = "SUSPENDED"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
	// StateTerminated is reached through a terminate end event.
	StateTerminated State = "TERMINATED"
	// StateFailed is reached when a thrown error finds no catch.
	StateFailed State = "FAILED"
)

// Terminal reports whether no further work can happen for the instance.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateTerminated, StateFailed:
		return true
	}
	return false
}

// ExecutionState is the lifecycle state of one token.
type ExecutionState string

const (
	ExecReady     ExecutionState = "READY"
	ExecRunning   ExecutionState = "RUNNING"
	ExecWaiting   ExecutionState = "WAITING"
	ExecFailed    ExecutionState = "FAILED"
	ExecCompleted ExecutionState = "COMPLETED"
)

type (
	// Instance is one running occurrence of a process definition.
	Instance struct {
		ID            string
		DefinitionID  string
		DefinitionKey string
		// Version pins the definition version the instance started with.
		Version     int
		BusinessKey string
		TenantID    string
		State       State
		// RootScopeID is the top of the instance's variable scope tree.
		RootScopeID string
		StartTime   time.Time
		EndTime     time.Time
		// CancelReason records why the instance was cancelled or failed.
		CancelReason string
	}

	// Execution is one concurrent position in the process graph. Parallel
	// forks create child executions; joins consume them. A WAITING
	// execution is parked on an event subscription, an open task, a
	// pending join or a running child scope.
	Execution struct {
		ID                string
		ProcessInstanceID string
		// ParentID is the forking execution, empty for the initial token.
		ParentID string
		// ElementID is the element the token currently sits at.
		ElementID string
		// ScopeID is the variable scope the token evaluates against.
		ScopeID string
		State   ExecutionState
		// EnteredFlowID is the sequence flow the token arrived by. Gateway
		// joins use it to tell arrivals apart.
		EnteredFlowID string
		CreateTime    time.Time
	}

	// Incident is an unresolved failure parked for operator action. The
	// instance stays alive; ResolveIncident retries the failed work.
	Incident struct {
		ID                string
		ProcessInstanceID string
		ExecutionID       string
		ElementID         string
		// Code is the BPMN error code when the failure carried one.
		Code       string
		Message    string
		CreateTime time.Time
		ResolvedAt time.Time
	}

	// Filter narrows instance listings. Zero fields match everything.
	Filter struct {
		DefinitionKey string
		BusinessKey   string
		TenantID      string
		States        []State
		Limit         int
	}

	// Repository persists process instances.
	Repository interface {
		Create(ctx context.Context, inst *Instance) error
		Get(ctx context.Context, id string) (*Instance, error)
		Update(ctx context.Context, inst *Instance) error
		Delete(ctx context.Context, id string) error
		List(ctx context.Context, filter Filter) ([]*Instance, error)
	}

	// ExecutionRepository persists executions.
	ExecutionRepository interface {
		Create(ctx context.Context, exec *Execution) error
		Get(ctx context.Context, id string) (*Execution, error)
		Update(ctx context.Context, exec *Execution) error
		Delete(ctx context.Context, id string) error
		ByInstance(ctx context.Context, processInstanceID string) ([]*Execution, error)
		// AtElement returns the live executions currently positioned at the
		// element. Joins use it to count arrivals.
		AtElement(ctx context.Context, processInstanceID, elementID string) ([]*Execution, error)
	}

	// IncidentRepository persists incidents.
	IncidentRepository interface {
		Create(ctx context.Context, inc *Incident) error
		Get(ctx context.Context, id string) (*Incident, error)
		Update(ctx context.Context, inc *Incident) error
		ByInstance(ctx context.Context, processInstanceID string) ([]*Incident, error)
		Open(ctx context.Context, limit int) ([]*Incident, error)
	}
)

// Resolved reports whether the incident has been resolved.
func (i *Incident) Resolved() bool {
	return !i.ResolvedAt.IsZero()
}

// Active reports whether the execution still holds a token.
func (e *Execution) Active() bool {
	return e.State != ExecCompleted && e.State != ExecFailed
}
