// Package compensation manages transaction scopes and the LIFO replay of
// compensation handlers. While a transaction sub-process runs, completed
// activities with compensation boundaries register handlers here; a cancel
// end event or a later compensation throw replays them newest first.
package compensation

import (
	"context"
	"time"
)

// State is the transaction scope lifecycle state.
type State string

const (
	StateActive State = "ACTIVE"
	// StateCompensating is transient while handlers replay.
	StateCompensating State = "COMPENSATING"
	// StateCompleted marks the event scope a successful transaction leaves
	// behind so later compensation throws still find its handlers.
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
)

type (
	// TransactionScope tracks one run of a transaction sub-process and,
	// after conversion, the event scope that outlives it.
	TransactionScope struct {
		ID                string
		ProcessInstanceID string
		// ParentExecutionID is the execution that entered the transaction.
		ParentExecutionID string
		// ElementID is the transaction element.
		ElementID string
		// ScopeID is the transaction's variable scope.
		ScopeID string
		State   State
		// SubscriptionIDs lists compensation subscriptions in registration
		// order. Replay walks it backwards.
		SubscriptionIDs []string
		CreateTime      time.Time
		CompletedTime   time.Time
	}

	// Repository persists transaction scopes.
	Repository interface {
		Create(ctx context.Context, ts *TransactionScope) error
		Get(ctx context.Context, id string) (*TransactionScope, error)
		Update(ctx context.Context, ts *TransactionScope) error
		Delete(ctx context.Context, id string) error
		ByInstance(ctx context.Context, processInstanceID string) ([]*TransactionScope, error)
		// ByElement returns the scopes opened for one transaction element,
		// newest first.
		ByElement(ctx context.Context, processInstanceID, elementID string) ([]*TransactionScope, error)
	}
)
