package interpreter

import (
	"context"
	"encoding/json"
	"sort"

	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/eventsub"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/store"
	"goa.design/flow/runtime/process/subscription"
)

// txEnv is the per-transaction working set of one work unit: the managers
// bound to the transaction, the instance and definition under execution and
// the follow-up units accumulated while applying the behavior.
type txEnv struct {
	in     *Interpreter
	tx     store.TxSet
	scopes *scope.Manager
	subs   *subscription.Registry
	comp   *compensation.Manager
	events *eventsub.Executor

	inst *instance.Instance
	def  *definition.Definition

	followups []WorkItem
	// after runs post-commit, outside the transaction. Asynchronous handler
	// invocations go here so their side effects never precede the commit.
	after       []func(context.Context)
	varsTouched bool
}

func (e *txEnv) process(ctx context.Context, item WorkItem) error {
	inst, err := e.tx.Instances().Get(ctx, item.ProcessInstanceID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			// Late work for a purged instance.
			return nil
		}
		return err
	}
	e.inst = inst
	def, err := e.in.defs.ByID(inst.DefinitionID)
	if err != nil {
		return err
	}
	e.def = def

	if item.Action == ActionCancel {
		return e.cancelInstance(ctx, item.Reason)
	}
	switch inst.State {
	case instance.StateActive:
	case instance.StateSuspended:
		if item.Action == ActionCompleteTask || item.Action == ActionCompensate {
			return engine.Errorf(engine.KindConflict, "process instance %s is suspended", inst.ID)
		}
		// Triggers keep their subscriptions and fire again after resume.
		return nil
	default:
		// Terminal; late work is dropped.
		return nil
	}

	switch item.Action {
	case ActionContinue:
		err = e.continueExecution(ctx, item.ExecutionID)
	case ActionTrigger, ActionResumeFromTimer:
		err = e.trigger(ctx, item)
	case ActionCompleteTask:
		err = e.completeTask(ctx, item)
	case ActionCompensate:
		err = e.compensate(ctx, item.ActivityID)
	default:
		return engine.Errorf(engine.KindValidation, "unknown work action %q", item.Action)
	}
	if err != nil {
		return err
	}
	if e.varsTouched {
		return e.sweepConditionals(ctx)
	}
	return nil
}

func (e *txEnv) followUp(item WorkItem) {
	e.followups = append(e.followups, item)
}

func (e *txEnv) continueLater(executionID string) {
	e.followUp(WorkItem{
		ProcessInstanceID: e.inst.ID,
		ExecutionID:       executionID,
		Action:            ActionContinue,
	})
}

// element resolves an element ID against the running definition.
func (e *txEnv) element(id string) (*definition.Element, error) {
	el, ok := e.def.Element(id)
	if !ok {
		return nil, engine.Errorf(engine.KindInternal, "definition %s has no element %s", e.def.ID, id)
	}
	return el, nil
}

// emit appends one lifecycle event in the unit's transaction.
func (e *txEnv) emit(ctx context.Context, ev *outbox.Event, payload any) error {
	data, err := outbox.MarshalPayload(payload)
	if err != nil {
		return err
	}
	ev.Payload = data
	ev.ProcessInstanceID = e.inst.ID
	return e.in.outbox.Append(ctx, e.tx.Outbox(), ev)
}

func (e *txEnv) emitActivityStarted(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	return e.emit(ctx, &outbox.Event{
		Type:        outbox.ActivityStarted,
		ExecutionID: exec.ID,
		ActivityID:  el.ID,
	}, outbox.ActivityPayload{ElementID: el.ID, ElementKind: string(el.Kind), Name: el.Name})
}

// setVariables merges the map into the scope and arms the conditional sweep.
func (e *txEnv) setVariables(ctx context.Context, scopeID string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	if err := e.scopes.SetVariables(ctx, scopeID, values); err != nil {
		return err
	}
	e.varsTouched = true
	return nil
}

// sweepConditionals re-evaluates the instance's conditional subscriptions
// after a work unit wrote variables and fires those whose expression went
// from false to true.
func (e *txEnv) sweepConditionals(ctx context.Context) error {
	subs, err := e.subs.ByKind(ctx, e.inst.ID, subscription.KindConditional)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		scopeID := sub.Config.ScopeID
		if scopeID == "" {
			continue
		}
		vars, err := e.scopes.Variables(ctx, scopeID)
		if err != nil {
			e.in.logger.Debug(ctx, "conditional scope unavailable",
				"subscription_id", sub.ID, "scope_id", scopeID, "error", err)
			continue
		}
		hold, err := e.in.eval.EvaluateCondition(sub.Config.Expression, vars)
		if err != nil {
			e.in.logger.Warn(ctx, "conditional evaluation failed",
				"subscription_id", sub.ID, "expression", sub.Config.Expression, "error", err)
			continue
		}
		if hold == sub.Config.LastState {
			continue
		}
		sub.Config.LastState = hold
		if err := e.subs.Update(ctx, sub); err != nil {
			return err
		}
		if hold {
			e.followUp(WorkItem{
				ProcessInstanceID: sub.ProcessInstanceID,
				ExecutionID:       sub.ExecutionID,
				Action:            ActionTrigger,
				SubscriptionID:    sub.ID,
			})
		}
	}
	return nil
}

// triggerPayload encodes the variables of a fired event for its lifecycle
// event row.
func triggerPayload(name, correlationKey string, variables map[string]any) outbox.TriggerPayload {
	p := outbox.TriggerPayload{Name: name, CorrelationKey: correlationKey}
	if len(variables) > 0 {
		if data, err := json.Marshal(variables); err == nil {
			p.Variables = data
		}
	}
	return p
}

// newestFirst orders transaction scopes by creation time descending, with
// the repository order as tiebreak.
func newestFirst(rows []*compensation.TransactionScope) []*compensation.TransactionScope {
	ordered := make([]*compensation.TransactionScope, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreateTime.After(ordered[j].CreateTime)
	})
	return ordered
}

// enclosingOfKind walks the element parent chain, starting at el's parent,
// for the nearest element of the kind.
func (e *txEnv) enclosingOfKind(el *definition.Element, kind definition.ElementKind) *definition.Element {
	for id := el.Parent; id != ""; {
		parent, ok := e.def.Element(id)
		if !ok {
			return nil
		}
		if parent.Kind == kind {
			return parent
		}
		id = parent.Parent
	}
	return nil
}

// eventSubProcessOf returns the event sub-process element a start event
// belongs to, or nil.
func (e *txEnv) eventSubProcessOf(el *definition.Element) *definition.Element {
	if el.Kind != definition.KindStartEvent || el.Parent == "" {
		return nil
	}
	parent, ok := e.def.Element(el.Parent)
	if !ok || !parent.TriggeredByEvent {
		return nil
	}
	return parent
}
