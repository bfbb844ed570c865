// Package scope implements the variable scope tree of a process instance.
// Every execution evaluates expressions against one scope; resolution walks
// from that scope to the root with the nearest declaration winning. Writes
// go to the declaring scope so nested flows share state with their parents
// unless they shadow it deliberately.
package scope

import (
	"context"
	"time"
)

// Kind classifies what opened a scope.
type Kind string

const (
	KindProcess         Kind = "PROCESS"
	KindSubProcess      Kind = "SUB_PROCESS"
	KindEventSubProcess Kind = "EVENT_SUB_PROCESS"
	KindTransaction     Kind = "TRANSACTION"
	KindTask            Kind = "TASK"
	KindLocal           Kind = "LOCAL"
)

type (
	// Scope is one node of an instance's variable tree.
	Scope struct {
		ID                string
		ProcessInstanceID string
		// ParentID is empty only for the instance's root scope.
		ParentID string
		Kind     Kind
		// ElementID is the element that opened the scope, empty for the
		// root.
		ElementID string
		// Active turns false when the scope is destroyed. Destroyed scopes
		// are never reused.
		Active     bool
		CreateTime time.Time
	}

	// Repository persists scopes.
	Repository interface {
		Create(ctx context.Context, s *Scope) error
		Get(ctx context.Context, id string) (*Scope, error)
		Update(ctx context.Context, s *Scope) error
		ChildrenOf(ctx context.Context, scopeID string) ([]*Scope, error)
		ByInstance(ctx context.Context, processInstanceID string) ([]*Scope, error)
	}

	// VariableRepository persists variables keyed by (scope, name).
	VariableRepository interface {
		Upsert(ctx context.Context, v *Variable) error
		Get(ctx context.Context, scopeID, name string) (*Variable, error)
		ByScope(ctx context.Context, scopeID string) ([]*Variable, error)
		Delete(ctx context.Context, scopeID, name string) error
		DeleteByScope(ctx context.Context, scopeID string) error
	}
)
