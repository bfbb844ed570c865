package compensation

import (
	"context"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/telemetry"
)

// Handler runs one compensation handler activity. The interpreter supplies
// it; a non-nil error marks that handler failed without stopping the
// replay.
type Handler func(ctx context.Context, sub *subscription.Subscription) error

// Manager drives the transaction scope state machine. It owns the ordered
// handler registrations; the actual handler execution is delegated to the
// interpreter through the Handler callback.
type Manager struct {
	scopes Repository
	subs   *subscription.Registry
	clock  clock.Clock
	logger telemetry.Logger
}

// NewManager wires a manager over its repository and the subscription
// registry.
func NewManager(scopes Repository, subs *subscription.Registry, clk clock.Clock, logger telemetry.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Manager{scopes: scopes, subs: subs, clock: clk, logger: logger}
}

// Get returns the transaction scope by ID.
func (m *Manager) Get(ctx context.Context, txID string) (*TransactionScope, error) {
	return m.scopes.Get(ctx, txID)
}

// Open creates an ACTIVE transaction scope when a token enters a
// transaction sub-process.
func (m *Manager) Open(ctx context.Context, processInstanceID, parentExecutionID, elementID, scopeID string) (*TransactionScope, error) {
	ts := &TransactionScope{
		ID:                uuid.NewString(),
		ProcessInstanceID: processInstanceID,
		ParentExecutionID: parentExecutionID,
		ElementID:         elementID,
		ScopeID:           scopeID,
		State:             StateActive,
		CreateTime:        m.clock.Now(),
	}
	if err := m.scopes.Create(ctx, ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// Register records a compensation handler for an activity that completed
// inside the transaction. Re-registration for the same activity wins over
// the prior one and moves to the newest replay position.
func (m *Manager) Register(ctx context.Context, txID string, sub *subscription.Subscription) (*subscription.Subscription, error) {
	ts, err := m.scopes.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if ts.State != StateActive {
		return nil, engine.Errorf(engine.KindConflict, "transaction scope %s is %s", txID, ts.State)
	}
	sub.Kind = subscription.KindCompensation
	created, err := m.subs.Create(ctx, sub)
	if err != nil {
		return nil, err
	}
	// Drop refs to rows the registry replaced, then append the new one.
	kept := ts.SubscriptionIDs[:0]
	for _, id := range ts.SubscriptionIDs {
		if _, err := m.subs.Get(ctx, id); err == nil {
			kept = append(kept, id)
		} else if engine.KindOf(err) != engine.KindNotFound {
			return nil, err
		}
	}
	ts.SubscriptionIDs = append(kept, created.ID)
	if err := m.scopes.Update(ctx, ts); err != nil {
		return nil, err
	}
	return created, nil
}

// Deregister removes the handler registration for an activity without
// running it. Unknown activities are a no-op.
func (m *Manager) Deregister(ctx context.Context, txID, activityID string) error {
	ts, err := m.scopes.Get(ctx, txID)
	if err != nil {
		return err
	}
	kept := ts.SubscriptionIDs[:0]
	for _, id := range ts.SubscriptionIDs {
		sub, err := m.subs.Get(ctx, id)
		if err != nil {
			if engine.KindOf(err) == engine.KindNotFound {
				continue
			}
			return err
		}
		if sub.ActivityID == activityID {
			if err := m.subs.Consume(ctx, id); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, id)
	}
	ts.SubscriptionIDs = kept
	return m.scopes.Update(ctx, ts)
}

// Complete converts the ACTIVE transaction scope into an event scope: a new
// COMPLETED entry holding the same subscriptions, the old entry retired.
// Later compensation throws target the event scope.
func (m *Manager) Complete(ctx context.Context, txID string) (*TransactionScope, error) {
	ts, err := m.scopes.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if ts.State != StateActive {
		return nil, engine.Errorf(engine.KindConflict, "transaction scope %s is %s", txID, ts.State)
	}
	converted := &TransactionScope{
		ID:                uuid.NewString(),
		ProcessInstanceID: ts.ProcessInstanceID,
		ParentExecutionID: ts.ParentExecutionID,
		ElementID:         ts.ElementID,
		ScopeID:           ts.ScopeID,
		State:             StateCompleted,
		SubscriptionIDs:   append([]string(nil), ts.SubscriptionIDs...),
		CreateTime:        ts.CreateTime,
		CompletedTime:     m.clock.Now(),
	}
	if err := m.scopes.Create(ctx, converted); err != nil {
		return nil, err
	}
	if err := m.scopes.Delete(ctx, txID); err != nil {
		return nil, err
	}
	return converted, nil
}

// Cancel aborts the transaction. With triggerCompensation (the cancel end
// event path) the registered handlers replay first and the subscriptions
// are cleared. Without it (the cancel boundary path) subscriptions stay for
// a later explicit compensation throw.
func (m *Manager) Cancel(ctx context.Context, txID string, triggerCompensation bool, run Handler) (int, error) {
	ts, err := m.scopes.Get(ctx, txID)
	if err != nil {
		return 0, err
	}
	if ts.State != StateActive && ts.State != StateCompensating {
		return 0, engine.Errorf(engine.KindConflict, "transaction scope %s is %s", txID, ts.State)
	}
	var failed int
	if triggerCompensation {
		ts.State = StateCompensating
		if err := m.scopes.Update(ctx, ts); err != nil {
			return 0, err
		}
		failed, err = m.replay(ctx, ts, run, nil)
		if err != nil {
			return failed, err
		}
		if err := m.clear(ctx, ts); err != nil {
			return failed, err
		}
	}
	ts.State = StateCancelled
	ts.CompletedTime = m.clock.Now()
	return failed, m.scopes.Update(ctx, ts)
}

// Trigger replays the registered handlers, newest registration first. On a
// COMPLETED event scope a full replay clears the subscriptions and retires
// the scope; an ACTIVE scope, compensated from inside its still-running
// transaction by a compensation throw, stays open to collect further
// registrations. With activityIDs only the matching handlers replay and the
// scope keeps the rest. It returns the number of handlers that failed;
// failures are logged and never stop the replay.
func (m *Manager) Trigger(ctx context.Context, txID string, run Handler, activityIDs ...string) (int, error) {
	ts, err := m.scopes.Get(ctx, txID)
	if err != nil {
		return 0, err
	}
	origin := ts.State
	if origin != StateCompleted && origin != StateActive {
		return 0, engine.Errorf(engine.KindConflict, "transaction scope %s is %s", txID, ts.State)
	}
	ts.State = StateCompensating
	if err := m.scopes.Update(ctx, ts); err != nil {
		return 0, err
	}
	only := make(map[string]bool, len(activityIDs))
	for _, id := range activityIDs {
		only[id] = true
	}
	failed, err := m.replay(ctx, ts, run, only)
	if err != nil {
		return failed, err
	}
	if len(only) == 0 {
		if err := m.clear(ctx, ts); err != nil {
			return failed, err
		}
		if origin == StateCompleted {
			return failed, m.scopes.Delete(ctx, ts.ID)
		}
		ts.State = origin
		return failed, m.scopes.Update(ctx, ts)
	}
	// Partial replay: drop only the consumed registrations.
	kept := ts.SubscriptionIDs[:0]
	for _, id := range ts.SubscriptionIDs {
		sub, err := m.subs.Get(ctx, id)
		if err != nil {
			if engine.KindOf(err) == engine.KindNotFound {
				continue
			}
			return failed, err
		}
		if only[sub.ActivityID] {
			if err := m.subs.Consume(ctx, id); err != nil {
				return failed, err
			}
			continue
		}
		kept = append(kept, id)
	}
	ts.SubscriptionIDs = kept
	ts.State = origin
	return failed, m.scopes.Update(ctx, ts)
}

// replay runs handlers in reverse registration order. With a non-empty only
// set, handlers of other activities are skipped.
func (m *Manager) replay(ctx context.Context, ts *TransactionScope, run Handler, only map[string]bool) (int, error) {
	if run == nil {
		return 0, engine.Errorf(engine.KindValidation, "compensation handler callback is required")
	}
	var failed int
	for i := len(ts.SubscriptionIDs) - 1; i >= 0; i-- {
		sub, err := m.subs.Get(ctx, ts.SubscriptionIDs[i])
		if err != nil {
			if engine.KindOf(err) == engine.KindNotFound {
				continue
			}
			return failed, err
		}
		if len(only) > 0 && !only[sub.ActivityID] {
			continue
		}
		if err := run(ctx, sub); err != nil {
			failed++
			m.logger.Error(ctx, "compensation handler failed",
				"process_instance_id", ts.ProcessInstanceID,
				"transaction_scope_id", ts.ID,
				"activity_id", sub.ActivityID,
				"error", err.Error(),
			)
		}
	}
	return failed, nil
}

// clear deletes every compensation subscription of the scope.
func (m *Manager) clear(ctx context.Context, ts *TransactionScope) error {
	for _, id := range ts.SubscriptionIDs {
		if err := m.subs.Consume(ctx, id); err != nil {
			return err
		}
	}
	ts.SubscriptionIDs = nil
	return nil
}
