package interpreter

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/eventsub"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/subscription"
)

// asyncEventPrefix namespaces the continuation subscriptions that park
// asynchronous service tasks until their completion callback arrives.
const asyncEventPrefix = "async:"

func asyncEventName(executionID string) string {
	return asyncEventPrefix + executionID
}

// trigger fires the subscription named by the work item. A missing
// subscription means an earlier delivery consumed it; the duplicate is
// absorbed without effect.
func (e *txEnv) trigger(ctx context.Context, item WorkItem) error {
	sub, err := e.subs.Get(ctx, item.SubscriptionID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return nil
		}
		return err
	}
	if sub.Kind == subscription.KindMessage && strings.HasPrefix(sub.EventName, asyncEventPrefix) {
		return e.completeAsync(ctx, item, sub)
	}
	el, err := e.element(sub.ActivityID)
	if err != nil {
		return err
	}
	if esp := e.eventSubProcessOf(el); esp != nil {
		return e.fireEventSubProcess(ctx, item, sub, esp, el)
	}
	switch el.Kind {
	case definition.KindBoundaryEvent:
		return e.fireBoundary(ctx, item, sub, el)
	case definition.KindIntermediateCatchEvent:
		return e.fireCatch(ctx, item, sub, el)
	default:
		if sub.Kind == subscription.KindTimer {
			return e.resumeRetry(ctx, sub, el)
		}
		return engine.Errorf(engine.KindInternal, "subscription %s targets %s element %s", sub.ID, el.Kind, el.ID)
	}
}

// resumeRetry re-enters an activity whose retry backoff timer elapsed.
// The re-entry is silent: the activity already announced itself when it
// first started.
func (e *txEnv) resumeRetry(ctx context.Context, sub *subscription.Subscription, el *definition.Element) error {
	if err := e.subs.Consume(ctx, sub.ID); err != nil {
		return err
	}
	exec, err := e.tx.Executions().Get(ctx, sub.ExecutionID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return nil
		}
		return err
	}
	if exec.State != instance.ExecWaiting || exec.ElementID != el.ID {
		return nil
	}
	exec.State = instance.ExecReady
	if err := e.tx.Executions().Update(ctx, exec); err != nil {
		return err
	}
	return e.enter(ctx, exec, el)
}

// fireCatch resumes an execution parked on an intermediate catch event.
func (e *txEnv) fireCatch(ctx context.Context, item WorkItem, sub *subscription.Subscription, el *definition.Element) error {
	exec, err := e.tx.Executions().Get(ctx, sub.ExecutionID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return e.subs.Consume(ctx, sub.ID)
		}
		return err
	}
	if exec.State != instance.ExecWaiting || exec.ElementID != el.ID {
		return e.subs.Consume(ctx, sub.ID)
	}
	if err := e.emitTriggerEvent(ctx, sub, exec.ID, el, item.Variables); err != nil {
		return err
	}
	if err := e.setVariables(ctx, exec.ScopeID, item.Variables); err != nil {
		return err
	}
	if err := e.subs.DeleteByExecution(ctx, exec.ID); err != nil {
		return err
	}
	return e.leave(ctx, exec, el)
}

// fireBoundary delivers an event to a boundary attached to a waiting
// activity. Interrupting boundaries abort the activity and take its
// token; non-interrupting ones spawn a parallel token and leave the
// activity in place.
func (e *txEnv) fireBoundary(ctx context.Context, item WorkItem, sub *subscription.Subscription, b *definition.Element) error {
	host, err := e.tx.Executions().Get(ctx, sub.ExecutionID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return e.subs.Consume(ctx, sub.ID)
		}
		return err
	}
	if host.State != instance.ExecWaiting || host.ElementID != b.AttachedTo {
		return e.subs.Consume(ctx, sub.ID)
	}
	if err := e.emitTriggerEvent(ctx, sub, host.ID, b, item.Variables); err != nil {
		return err
	}
	if err := e.setVariables(ctx, host.ScopeID, item.Variables); err != nil {
		return err
	}
	if b.Interrupting {
		if err := e.cancelExecution(ctx, host); err != nil {
			return err
		}
		host.ElementID = b.ID
		host.EnteredFlowID = ""
		host.State = instance.ExecReady
		if err := e.tx.Executions().Update(ctx, host); err != nil {
			return err
		}
		return e.leave(ctx, host, b)
	}
	if err := e.rearmOrConsume(ctx, sub); err != nil {
		return err
	}
	child := &instance.Execution{
		ID:                uuid.NewString(),
		ProcessInstanceID: e.inst.ID,
		ParentID:          host.ID,
		ElementID:         b.ID,
		ScopeID:           host.ScopeID,
		State:             instance.ExecReady,
		CreateTime:        e.in.clock.Now(),
	}
	if err := e.tx.Executions().Create(ctx, child); err != nil {
		return err
	}
	e.continueLater(child.ID)
	return nil
}

// fireEventSubProcess starts an event sub-process instance from one of
// its armed start subscriptions. start is the start event the
// subscription belongs to, esp its enclosing event sub-process.
func (e *txEnv) fireEventSubProcess(ctx context.Context, item WorkItem, sub *subscription.Subscription, esp, start *definition.Element) error {
	hostScopeID := sub.Config.ScopeID
	if hostScopeID == "" {
		hostScopeID = e.inst.RootScopeID
	}
	s, err := e.tx.Scopes().Get(ctx, hostScopeID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return e.subs.Consume(ctx, sub.ID)
		}
		return err
	}
	if !s.Active {
		return e.subs.Consume(ctx, sub.ID)
	}
	if err := e.emitTriggerEvent(ctx, sub, sub.ExecutionID, start, item.Variables); err != nil {
		return err
	}
	var data any
	if len(item.Variables) > 0 {
		data = item.Variables
	}
	res, err := e.events.Trigger(ctx, eventsub.TriggerContext{
		Definition:        e.def,
		Element:           esp,
		ProcessInstanceID: e.inst.ID,
		HostExecutionID:   sub.ExecutionID,
		ScopeID:           hostScopeID,
		Event: &eventsub.TriggerEvent{
			Kind: sub.Kind,
			Name: sub.EventName,
			Data: data,
		},
	})
	if err != nil {
		return err
	}
	if res.Interrupting {
		if err := e.cancelScopeTokens(ctx, hostScopeID, res.ScopeID); err != nil {
			return err
		}
		if err := e.dropEventSubStarts(ctx, esp.Parent); err != nil {
			return err
		}
	} else if err := e.rearmOrConsume(ctx, sub); err != nil {
		return err
	}
	e.continueLater(res.ExecutionID)
	return nil
}

// rearmOrConsume decides what happens to a non-interrupting
// subscription after it fires. Cyclic timers advance to their next due
// time, conditionals stay armed for the variable sweep, everything else
// is single delivery.
func (e *txEnv) rearmOrConsume(ctx context.Context, sub *subscription.Subscription) error {
	switch sub.Kind {
	case subscription.KindConditional:
		return nil
	case subscription.KindTimer:
		if sub.Config.Repeats != definition.Unbounded && sub.Config.Repeats <= 1 {
			return e.subs.Consume(ctx, sub.ID)
		}
		el, err := e.element(sub.ActivityID)
		if err != nil {
			return err
		}
		if el.Timer == nil {
			return e.subs.Consume(ctx, sub.ID)
		}
		if err := el.Timer.Compile(); err != nil {
			return e.subs.Consume(ctx, sub.ID)
		}
		next := el.Timer.Schedule().NextDue(sub.Config.DueTime)
		if next.IsZero() {
			return e.subs.Consume(ctx, sub.ID)
		}
		if sub.Config.Repeats != definition.Unbounded {
			sub.Config.Repeats--
		}
		sub.Config.DueTime = next
		return e.subs.Update(ctx, sub)
	default:
		return e.subs.Consume(ctx, sub.ID)
	}
}

// completeAsync finishes an asynchronous service task from its
// completion callback.
func (e *txEnv) completeAsync(ctx context.Context, item WorkItem, sub *subscription.Subscription) error {
	if err := e.subs.Consume(ctx, sub.ID); err != nil {
		return err
	}
	exec, err := e.tx.Executions().Get(ctx, sub.ExecutionID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return nil
		}
		return err
	}
	if exec.State != instance.ExecWaiting || exec.ElementID != sub.ActivityID {
		return nil
	}
	el, err := e.element(sub.ActivityID)
	if err != nil {
		return err
	}
	if item.Failure != "" {
		var cause error
		if item.FailureCode != "" {
			cause = engine.BPMN(item.FailureCode, item.Failure)
		} else {
			cause = errors.New(item.Failure)
		}
		return e.serviceFailure(ctx, exec, el, cause)
	}
	e.in.ResetAttempts(exec.ID)
	return e.completeActivity(ctx, exec, el, item.Variables)
}

// completeTask finishes a user task: the task row closes, its results
// land in the surrounding scope and the parked execution moves on.
func (e *txEnv) completeTask(ctx context.Context, item WorkItem) error {
	tk, err := e.tx.Tasks().Get(ctx, item.TaskID)
	if err != nil {
		return err
	}
	if tk.ProcessInstanceID != e.inst.ID {
		return engine.Errorf(engine.KindConflict, "task %s belongs to instance %s", tk.ID, tk.ProcessInstanceID)
	}
	if err := tk.Complete(e.in.clock.Now()); err != nil {
		return err
	}
	if err := e.tx.Tasks().Update(ctx, tk); err != nil {
		return err
	}
	exec, err := e.tx.Executions().Get(ctx, tk.ExecutionID)
	if err != nil {
		if engine.KindOf(err) != engine.KindNotFound {
			return err
		}
		exec = nil
	}
	if exec != nil {
		if err := e.setVariables(ctx, exec.ScopeID, item.Variables); err != nil {
			return err
		}
	}
	if tk.ScopeID != "" {
		if err := e.scopes.DestroyScope(ctx, tk.ScopeID); err != nil {
			return err
		}
	}
	if err := e.emit(ctx, &outbox.Event{
		Type:        outbox.TaskCompleted,
		ExecutionID: tk.ExecutionID,
		ActivityID:  tk.ElementID,
		TaskID:      tk.ID,
	}, outbox.TaskPayload{ElementID: tk.ElementID, Name: tk.Name, Assignee: tk.Assignee}); err != nil {
		return err
	}
	if exec == nil || exec.State != instance.ExecWaiting || exec.ElementID != tk.ElementID {
		return nil
	}
	el, err := e.element(tk.ElementID)
	if err != nil {
		return err
	}
	return e.completeActivity(ctx, exec, el, nil)
}

// emitTriggerEvent records the outbox event for a fired subscription.
// Conditional and error subscriptions have no dedicated event type.
func (e *txEnv) emitTriggerEvent(ctx context.Context, sub *subscription.Subscription, executionID string, el *definition.Element, vars map[string]any) error {
	var typ outbox.Type
	name := sub.EventName
	switch sub.Kind {
	case subscription.KindTimer:
		typ, name = outbox.TimerFired, el.ID
	case subscription.KindSignal:
		typ = outbox.SignalReceived
	case subscription.KindMessage:
		typ = outbox.MessageReceived
	default:
		return nil
	}
	return e.emit(ctx, &outbox.Event{
		Type:        typ,
		ExecutionID: executionID,
		ActivityID:  el.ID,
	}, triggerPayload(name, sub.Config.CorrelationKey, vars))
}
