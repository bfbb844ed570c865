// Package subscription records what every waiting execution is waiting
// for: timers, signals, messages, conditions, errors and compensation.
// Rows are the engine's only wait state; firing one is the only way a
// waiting execution resumes.
package subscription

import (
	"context"
	"time"
)

// Kind is the trigger type of a subscription.
type Kind string

const (
	KindTimer        Kind = "TIMER"
	KindSignal       Kind = "SIGNAL"
	KindMessage      Kind = "MESSAGE"
	KindConditional  Kind = "CONDITIONAL"
	KindError        Kind = "ERROR"
	KindCompensation Kind = "COMPENSATION"
)

type (
	// Subscription is one open wait registration. Single-fire kinds are
	// deleted on consumption; compensation rows persist until their
	// transaction scope clears them.
	Subscription struct {
		ID                string
		ProcessInstanceID string
		// ExecutionID is the waiting execution, empty for subscriptions
		// held by a scope rather than a token (compensation).
		ExecutionID string
		// ActivityID is the element the subscription belongs to: the catch
		// event, the boundary event or the compensated activity.
		ActivityID string
		Kind       Kind
		// EventName is the signal or message name, or the error code. An
		// empty error code catches every error.
		EventName  string
		Config     Config
		CreateTime time.Time
	}

	// Config carries the kind-specific payload.
	Config struct {
		// DueTime is the next firing instant of a timer.
		DueTime time.Time `json:"dueTime,omitempty"`
		// Repeats counts the remaining firings of a cyclic timer,
		// definition.Unbounded when uncapped.
		Repeats int `json:"repeats,omitempty"`
		// Expression gates a conditional subscription. LastState remembers
		// its previous evaluation: the subscription fires on the false to
		// true transition only. ScopeID is the scope the expression is
		// evaluated against.
		Expression string `json:"expression,omitempty"`
		LastState  bool   `json:"lastState,omitempty"`
		ScopeID    string `json:"scopeId,omitempty"`
		// HandlerActivityID is the compensation handler to run.
		HandlerActivityID string `json:"handlerActivityId,omitempty"`
		// CorrelationKey narrows message delivery to one instance.
		CorrelationKey string `json:"correlationKey,omitempty"`
	}

	// Repository persists subscriptions.
	Repository interface {
		Create(ctx context.Context, sub *Subscription) error
		Get(ctx context.Context, id string) (*Subscription, error)
		Update(ctx context.Context, sub *Subscription) error
		Delete(ctx context.Context, id string) error
		DeleteByExecution(ctx context.Context, executionID string) error
		DeleteByInstance(ctx context.Context, processInstanceID string) error
		ByInstance(ctx context.Context, processInstanceID string) ([]*Subscription, error)
		ByExecution(ctx context.Context, executionID string) ([]*Subscription, error)
		// ByName returns the subscriptions matching kind and event name
		// across all instances, creation order.
		ByName(ctx context.Context, kind Kind, eventName string) ([]*Subscription, error)
		// ByKind returns one instance's subscriptions of the kind.
		ByKind(ctx context.Context, processInstanceID string, kind Kind) ([]*Subscription, error)
		// Due returns timer subscriptions due at or before now, soonest
		// first.
		Due(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
	}
)
