package subscription

import (
	"context"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/engine"
)

// Registry enforces the subscription rules on top of a repository: one row
// per (instance, activity, kind), with a fresh registration replacing the
// prior one. The registry is stateless and safe to share.
type Registry struct {
	subs  Repository
	clock clock.Clock
}

// NewRegistry wires a registry over its repository.
func NewRegistry(subs Repository, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{subs: subs, clock: clk}
}

// Create registers the subscription, replacing any prior row with the same
// (instance, activity, kind). It assigns the ID and creation time.
func (r *Registry) Create(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if sub.ProcessInstanceID == "" || sub.ActivityID == "" || sub.Kind == "" {
		return nil, engine.Errorf(engine.KindValidation, "subscription requires instance, activity and kind")
	}
	existing, err := r.subs.ByKind(ctx, sub.ProcessInstanceID, sub.Kind)
	if err != nil {
		return nil, engine.Wrap(engine.KindSubscriptionCreateFailed, "look up prior subscription", err)
	}
	for _, prior := range existing {
		if prior.ActivityID == sub.ActivityID {
			if err := r.subs.Delete(ctx, prior.ID); err != nil {
				return nil, engine.Wrap(engine.KindSubscriptionCreateFailed, "replace prior subscription", err)
			}
		}
	}
	sub.ID = uuid.NewString()
	sub.CreateTime = r.clock.Now()
	if err := r.subs.Create(ctx, sub); err != nil {
		return nil, engine.Wrap(engine.KindSubscriptionCreateFailed, "create subscription", err)
	}
	return sub, nil
}

// Consume deletes a single-fire subscription after it triggered. A missing
// row is fine: a duplicate delivery already consumed it.
func (r *Registry) Consume(ctx context.Context, id string) error {
	err := r.subs.Delete(ctx, id)
	if err != nil && engine.KindOf(err) != engine.KindNotFound {
		return err
	}
	return nil
}

// Get returns the subscription by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Subscription, error) {
	return r.subs.Get(ctx, id)
}

// Update rewrites a subscription row, used to re-arm cyclic timers.
func (r *Registry) Update(ctx context.Context, sub *Subscription) error {
	return r.subs.Update(ctx, sub)
}

// ByInstance returns every open subscription of the instance.
func (r *Registry) ByInstance(ctx context.Context, processInstanceID string) ([]*Subscription, error) {
	return r.subs.ByInstance(ctx, processInstanceID)
}

// ByExecution returns the open subscriptions held by one execution.
func (r *Registry) ByExecution(ctx context.Context, executionID string) ([]*Subscription, error) {
	return r.subs.ByExecution(ctx, executionID)
}

// ByName returns the subscriptions matching kind and name, optionally
// narrowed to one instance.
func (r *Registry) ByName(ctx context.Context, kind Kind, eventName, processInstanceID string) ([]*Subscription, error) {
	subs, err := r.subs.ByName(ctx, kind, eventName)
	if err != nil {
		return nil, err
	}
	if processInstanceID == "" {
		return subs, nil
	}
	narrowed := subs[:0]
	for _, s := range subs {
		if s.ProcessInstanceID == processInstanceID {
			narrowed = append(narrowed, s)
		}
	}
	return narrowed, nil
}

// ByKind returns one instance's subscriptions of the kind.
func (r *Registry) ByKind(ctx context.Context, processInstanceID string, kind Kind) ([]*Subscription, error) {
	return r.subs.ByKind(ctx, processInstanceID, kind)
}

// Due returns the timer subscriptions due now, soonest first.
func (r *Registry) Due(ctx context.Context, limit int) ([]*Subscription, error) {
	return r.subs.Due(ctx, r.clock.Now(), limit)
}

// DeleteByExecution removes every subscription held by the execution, used
// when a token stops waiting or is cancelled.
func (r *Registry) DeleteByExecution(ctx context.Context, executionID string) error {
	return r.subs.DeleteByExecution(ctx, executionID)
}

// DeleteByInstance removes every subscription of the instance.
func (r *Registry) DeleteByInstance(ctx context.Context, processInstanceID string) error {
	return r.subs.DeleteByInstance(ctx, processInstanceID)
}
