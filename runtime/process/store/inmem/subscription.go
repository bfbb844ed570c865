package inmem

import (
	"context"
	"sort"
	"time"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/subscription"
)

type subscriptionRepo struct {
	s  *Store
	tx bool
}

// Create implements subscription.Repository.
func (r *subscriptionRepo) Create(_ context.Context, sub *subscription.Subscription) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.subs[sub.ID]; ok {
		return engine.Errorf(engine.KindConflict, "subscription %s already exists", sub.ID)
	}
	d.subs[sub.ID] = *sub
	d.stamp("sub", sub.ID)
	return nil
}

// Get implements subscription.Repository.
func (r *subscriptionRepo) Get(_ context.Context, id string) (*subscription.Subscription, error) {
	defer r.s.enter(r.tx)()
	sub, ok := r.s.d.subs[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "subscription %s not found", id)
	}
	return &sub, nil
}

// Update implements subscription.Repository.
func (r *subscriptionRepo) Update(_ context.Context, sub *subscription.Subscription) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.subs[sub.ID]; !ok {
		return engine.Errorf(engine.KindNotFound, "subscription %s not found", sub.ID)
	}
	d.subs[sub.ID] = *sub
	return nil
}

// Delete implements subscription.Repository.
func (r *subscriptionRepo) Delete(_ context.Context, id string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.subs[id]; !ok {
		return engine.Errorf(engine.KindNotFound, "subscription %s not found", id)
	}
	delete(d.subs, id)
	d.unstamp("sub", id)
	return nil
}

// DeleteByExecution implements subscription.Repository.
func (r *subscriptionRepo) DeleteByExecution(_ context.Context, executionID string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	for id, sub := range d.subs {
		if sub.ExecutionID == executionID {
			delete(d.subs, id)
			d.unstamp("sub", id)
		}
	}
	return nil
}

// DeleteByInstance implements subscription.Repository.
func (r *subscriptionRepo) DeleteByInstance(_ context.Context, processInstanceID string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	for id, sub := range d.subs {
		if sub.ProcessInstanceID == processInstanceID {
			delete(d.subs, id)
			d.unstamp("sub", id)
		}
	}
	return nil
}

// ByInstance implements subscription.Repository.
func (r *subscriptionRepo) ByInstance(_ context.Context, processInstanceID string) ([]*subscription.Subscription, error) {
	defer r.s.enter(r.tx)()
	return r.collect(func(sub *subscription.Subscription) bool {
		return sub.ProcessInstanceID == processInstanceID
	}), nil
}

// ByExecution implements subscription.Repository.
func (r *subscriptionRepo) ByExecution(_ context.Context, executionID string) ([]*subscription.Subscription, error) {
	defer r.s.enter(r.tx)()
	return r.collect(func(sub *subscription.Subscription) bool {
		return sub.ExecutionID == executionID
	}), nil
}

// ByName implements subscription.Repository.
func (r *subscriptionRepo) ByName(_ context.Context, kind subscription.Kind, eventName string) ([]*subscription.Subscription, error) {
	defer r.s.enter(r.tx)()
	return r.collect(func(sub *subscription.Subscription) bool {
		return sub.Kind == kind && sub.EventName == eventName
	}), nil
}

// ByKind implements subscription.Repository.
func (r *subscriptionRepo) ByKind(_ context.Context, processInstanceID string, kind subscription.Kind) ([]*subscription.Subscription, error) {
	defer r.s.enter(r.tx)()
	return r.collect(func(sub *subscription.Subscription) bool {
		return sub.ProcessInstanceID == processInstanceID && sub.Kind == kind
	}), nil
}

// Due implements subscription.Repository.
func (r *subscriptionRepo) Due(_ context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*subscription.Subscription
	for _, sub := range d.subs {
		if sub.Kind != subscription.KindTimer || sub.Config.DueTime.After(now) {
			continue
		}
		rec := sub
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Config.DueTime.Equal(out[j].Config.DueTime) {
			return out[i].Config.DueTime.Before(out[j].Config.DueTime)
		}
		return d.seqOf("sub", out[i].ID) < d.seqOf("sub", out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// collect gathers matching rows in creation order. The caller holds the
// store mutex.
func (r *subscriptionRepo) collect(match func(*subscription.Subscription) bool) []*subscription.Subscription {
	d := r.s.d
	var out []*subscription.Subscription
	for _, sub := range d.subs {
		rec := sub
		if match(&rec) {
			out = append(out, &rec)
		}
	}
	sortBySeq(out, func(s *subscription.Subscription) int64 { return d.seqOf("sub", s.ID) })
	return out
}
