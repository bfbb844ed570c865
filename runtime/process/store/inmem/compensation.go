package inmem

import (
	"context"
	"slices"

	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/engine"
)

type txScopeRepo struct {
	s  *Store
	tx bool
}

// Create implements compensation.Repository.
func (r *txScopeRepo) Create(_ context.Context, ts *compensation.TransactionScope) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.txScopes[ts.ID]; ok {
		return engine.Errorf(engine.KindConflict, "transaction scope %s already exists", ts.ID)
	}
	rec := *ts
	rec.SubscriptionIDs = slices.Clone(ts.SubscriptionIDs)
	d.txScopes[ts.ID] = rec
	d.stamp("txsc", ts.ID)
	return nil
}

// Get implements compensation.Repository.
func (r *txScopeRepo) Get(_ context.Context, id string) (*compensation.TransactionScope, error) {
	defer r.s.enter(r.tx)()
	ts, ok := r.s.d.txScopes[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "transaction scope %s not found", id)
	}
	ts.SubscriptionIDs = slices.Clone(ts.SubscriptionIDs)
	return &ts, nil
}

// Update implements compensation.Repository.
func (r *txScopeRepo) Update(_ context.Context, ts *compensation.TransactionScope) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.txScopes[ts.ID]; !ok {
		return engine.Errorf(engine.KindNotFound, "transaction scope %s not found", ts.ID)
	}
	rec := *ts
	rec.SubscriptionIDs = slices.Clone(ts.SubscriptionIDs)
	d.txScopes[ts.ID] = rec
	return nil
}

// Delete implements compensation.Repository.
func (r *txScopeRepo) Delete(_ context.Context, id string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.txScopes[id]; !ok {
		return engine.Errorf(engine.KindNotFound, "transaction scope %s not found", id)
	}
	delete(d.txScopes, id)
	d.unstamp("txsc", id)
	return nil
}

// ByInstance implements compensation.Repository.
func (r *txScopeRepo) ByInstance(_ context.Context, processInstanceID string) ([]*compensation.TransactionScope, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*compensation.TransactionScope
	for _, ts := range d.txScopes {
		if ts.ProcessInstanceID != processInstanceID {
			continue
		}
		rec := ts
		rec.SubscriptionIDs = slices.Clone(ts.SubscriptionIDs)
		out = append(out, &rec)
	}
	sortBySeq(out, func(t *compensation.TransactionScope) int64 { return d.seqOf("txsc", t.ID) })
	return out, nil
}

// ByElement implements compensation.Repository.
func (r *txScopeRepo) ByElement(_ context.Context, processInstanceID, elementID string) ([]*compensation.TransactionScope, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*compensation.TransactionScope
	for _, ts := range d.txScopes {
		if ts.ProcessInstanceID != processInstanceID || ts.ElementID != elementID {
			continue
		}
		rec := ts
		rec.SubscriptionIDs = slices.Clone(ts.SubscriptionIDs)
		out = append(out, &rec)
	}
	// Newest first: cancellation and compensation always target the most
	// recent pass through the element.
	sortBySeq(out, func(t *compensation.TransactionScope) int64 { return -d.seqOf("txsc", t.ID) })
	return out, nil
}
