package interpreter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/eventsub"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/task"
)

// continueExecution runs the behavior of the element the execution sits on.
// Stale follow-ups for executions that no longer exist or already moved on
// are dropped.
func (e *txEnv) continueExecution(ctx context.Context, executionID string) error {
	exec, err := e.tx.Executions().Get(ctx, executionID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return nil
		}
		return err
	}
	if exec.State != instance.ExecReady {
		return nil
	}
	el, err := e.element(exec.ElementID)
	if err != nil {
		return err
	}
	return e.enter(ctx, exec, el)
}

// enter dispatches on the element kind.
func (e *txEnv) enter(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	switch el.Kind {
	case definition.KindStartEvent, definition.KindBoundaryEvent:
		// Tokens only ever sit here after the event already happened.
		return e.leave(ctx, exec, el)
	case definition.KindEndEvent:
		return e.enterEndEvent(ctx, exec, el)
	case definition.KindUserTask:
		return e.enterUserTask(ctx, exec, el)
	case definition.KindServiceTask:
		return e.enterServiceTask(ctx, exec, el)
	case definition.KindScriptTask:
		return e.enterScriptTask(ctx, exec, el)
	case definition.KindExclusiveGateway:
		return e.enterExclusiveGateway(ctx, exec, el)
	case definition.KindParallelGateway, definition.KindInclusiveGateway:
		return e.enterJoiningGateway(ctx, exec, el)
	case definition.KindSubProcess, definition.KindTransaction:
		return e.enterScopeActivity(ctx, exec, el)
	case definition.KindIntermediateCatchEvent:
		return e.enterCatchEvent(ctx, exec, el)
	case definition.KindIntermediateThrowEvent:
		return e.enterThrowEvent(ctx, exec, el)
	default:
		return e.raiseIncident(ctx, exec, engine.Errorf(engine.KindInternal, "element %s has no executable behavior", el.ID))
	}
}

// leave moves the token out through the element's outgoing flows. A token
// with nowhere to go dies and may complete its scope.
func (e *txEnv) leave(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	flows := e.def.OutgoingFlows(el)
	if len(flows) == 0 {
		return e.completeToken(ctx, exec)
	}
	return e.take(ctx, exec, flows)
}

// take moves the execution along one flow, or forks one child per flow.
func (e *txEnv) take(ctx context.Context, exec *instance.Execution, flows []*definition.SequenceFlow) error {
	if len(flows) == 1 {
		exec.ElementID = flows[0].To
		exec.EnteredFlowID = flows[0].ID
		exec.State = instance.ExecReady
		if err := e.tx.Executions().Update(ctx, exec); err != nil {
			return err
		}
		e.continueLater(exec.ID)
		return nil
	}
	exec.State = instance.ExecCompleted
	if err := e.tx.Executions().Update(ctx, exec); err != nil {
		return err
	}
	for _, f := range flows {
		child := &instance.Execution{
			ID:                uuid.NewString(),
			ProcessInstanceID: e.inst.ID,
			ParentID:          exec.ID,
			ElementID:         f.To,
			ScopeID:           exec.ScopeID,
			State:             instance.ExecReady,
			EnteredFlowID:     f.ID,
			CreateTime:        e.in.clock.Now(),
		}
		if err := e.tx.Executions().Create(ctx, child); err != nil {
			return err
		}
		e.continueLater(child.ID)
	}
	return nil
}

// wait parks the execution until a subscription, task or join releases it.
func (e *txEnv) wait(ctx context.Context, exec *instance.Execution) error {
	exec.State = instance.ExecWaiting
	return e.tx.Executions().Update(ctx, exec)
}

func (e *txEnv) enterEndEvent(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	switch el.Event {
	case definition.EventTerminate:
		return e.terminate(ctx, exec)
	case definition.EventError:
		return e.throwError(ctx, exec, el, el.ErrorRef, "")
	case definition.EventCancel:
		return e.cancelTransactionFrom(ctx, exec, el)
	case definition.EventSignal:
		if err := e.broadcastSignal(ctx, el.SignalRef); err != nil {
			return err
		}
		return e.completeToken(ctx, exec)
	case definition.EventCompensation:
		if err := e.throwCompensation(ctx, exec, el); err != nil {
			return err
		}
		return e.completeToken(ctx, exec)
	default:
		return e.completeToken(ctx, exec)
	}
}

func (e *txEnv) enterUserTask(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	if err := e.emitActivityStarted(ctx, exec, el); err != nil {
		return err
	}
	taskScope, err := e.scopes.CreateScope(ctx, e.inst.ID, exec.ScopeID, scope.KindTask, el.ID)
	if err != nil {
		return err
	}
	tk := &task.Task{
		ID:                uuid.NewString(),
		ProcessInstanceID: e.inst.ID,
		ExecutionID:       exec.ID,
		ElementID:         el.ID,
		Name:              el.Name,
		Assignee:          el.Assignee,
		State:             task.StateCreated,
		ScopeID:           taskScope.ID,
		CreateTime:        e.in.clock.Now(),
	}
	if err := e.tx.Tasks().Create(ctx, tk); err != nil {
		return err
	}
	err = e.emit(ctx, &outbox.Event{
		Type:        outbox.TaskCreated,
		ExecutionID: exec.ID,
		ActivityID:  el.ID,
		TaskID:      tk.ID,
	}, outbox.TaskPayload{ElementID: el.ID, Name: el.Name, Assignee: el.Assignee})
	if err != nil {
		return err
	}
	if err := e.armBoundaries(ctx, exec, el); err != nil {
		return err
	}
	return e.wait(ctx, exec)
}

func (e *txEnv) enterServiceTask(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	if e.in.attemptCount(exec.ID) == 0 {
		if err := e.emitActivityStarted(ctx, exec, el); err != nil {
			return err
		}
		if err := e.armBoundaries(ctx, exec, el); err != nil {
			return err
		}
	}
	h, ok := e.in.handlers.Lookup(el.Implementation)
	if !ok {
		return e.raiseIncident(ctx, exec, engine.Errorf(engine.KindValidation, "no handler registered for %q", el.Implementation))
	}
	if el.Async {
		return e.startAsyncTask(ctx, exec, el, h)
	}
	vars, err := e.scopes.Variables(ctx, exec.ScopeID)
	if err != nil {
		return err
	}
	outputs, err := h(ctx, &Call{
		ProcessInstanceID: e.inst.ID,
		ExecutionID:       exec.ID,
		ElementID:         el.ID,
		Implementation:    el.Implementation,
		Variables:         vars,
	})
	if err != nil {
		return e.serviceFailure(ctx, exec, el, err)
	}
	e.in.ResetAttempts(exec.ID)
	return e.completeActivity(ctx, exec, el, outputs)
}

// serviceFailure routes a handler error: a BPMN-coded error throws, anything
// else consumes the element's retry budget and then raises an incident. A
// compensation handler never throws; its coded errors raise incidents too.
func (e *txEnv) serviceFailure(ctx context.Context, exec *instance.Execution, el *definition.Element, cause error) error {
	if code := engine.CodeOf(cause); code != "" {
		e.in.ResetAttempts(exec.ID)
		if el.ForCompensation {
			return e.raiseIncident(ctx, exec, cause)
		}
		return e.throwError(ctx, exec, el, code, cause.Error())
	}
	if el.Retry != nil {
		policy := el.Retry.Normalize()
		attempt := e.in.nextAttempt(exec.ID)
		if !policy.Exhausted(attempt) {
			return e.scheduleRetry(ctx, exec, el, policy.Backoff(attempt), attempt, cause)
		}
	}
	e.in.ResetAttempts(exec.ID)
	return e.raiseIncident(ctx, exec, cause)
}

// scheduleRetry parks the execution on a timer subscription; the poller
// re-enters the task when it fires.
func (e *txEnv) scheduleRetry(ctx context.Context, exec *instance.Execution, el *definition.Element, backoff time.Duration, attempt int, cause error) error {
	sub := &subscription.Subscription{
		ProcessInstanceID: e.inst.ID,
		ExecutionID:       exec.ID,
		ActivityID:        el.ID,
		Kind:              subscription.KindTimer,
	}
	sub.Config.DueTime = e.in.clock.Now().Add(backoff)
	sub.Config.Repeats = 1
	if _, err := e.subs.Create(ctx, sub); err != nil {
		return err
	}
	e.in.logger.Warn(ctx, "service task failed, retry scheduled",
		"process_instance_id", e.inst.ID,
		"element_id", el.ID,
		"attempt", attempt,
		"backoff", backoff,
		"error", cause)
	return e.wait(ctx, exec)
}

// startAsyncTask parks the execution on a continuation subscription and
// invokes the handler after commit. The handler's Done callback re-enters
// the engine with a trigger against the continuation.
func (e *txEnv) startAsyncTask(ctx context.Context, exec *instance.Execution, el *definition.Element, h Handler) error {
	submit := e.in.submitFn()
	if submit == nil {
		return e.raiseIncident(ctx, exec, engine.Errorf(engine.KindValidation, "async task %s requires a dispatcher", el.ID))
	}
	sub := &subscription.Subscription{
		ProcessInstanceID: e.inst.ID,
		ExecutionID:       exec.ID,
		ActivityID:        el.ID,
		Kind:              subscription.KindMessage,
		EventName:         asyncEventName(exec.ID),
	}
	created, err := e.subs.Create(ctx, sub)
	if err != nil {
		return err
	}
	vars, err := e.scopes.Variables(ctx, exec.ScopeID)
	if err != nil {
		return err
	}
	pid, execID, elID, impl, subID := e.inst.ID, exec.ID, el.ID, el.Implementation, created.ID
	call := &Call{
		ProcessInstanceID: pid,
		ExecutionID:       execID,
		ElementID:         elID,
		Implementation:    impl,
		Variables:         vars,
	}
	var once sync.Once
	call.Done = func(outputs map[string]any, herr error) {
		once.Do(func() {
			item := WorkItem{
				ProcessInstanceID: pid,
				ExecutionID:       execID,
				Action:            ActionTrigger,
				SubscriptionID:    subID,
				Variables:         outputs,
			}
			if herr != nil {
				item.Failure = herr.Error()
				item.FailureCode = engine.CodeOf(herr)
			}
			submit(item)
		})
	}
	e.after = append(e.after, func(ctx context.Context) {
		go func() {
			if _, err := h(ctx, call); err != nil {
				// A synchronous error from an async handler completes the
				// task as failed unless Done already fired.
				call.Done(nil, err)
			}
		}()
	})
	return e.wait(ctx, exec)
}

func (e *txEnv) enterScriptTask(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	if err := e.emitActivityStarted(ctx, exec, el); err != nil {
		return err
	}
	if err := e.armBoundaries(ctx, exec, el); err != nil {
		return err
	}
	vars, err := e.scopes.Variables(ctx, exec.ScopeID)
	if err != nil {
		return err
	}
	val, err := e.in.eval.Evaluate(el.Script, vars)
	if err != nil {
		return e.raiseIncident(ctx, exec, err)
	}
	var outputs map[string]any
	if el.ResultVariable != "" {
		outputs = map[string]any{el.ResultVariable: val}
	}
	return e.completeActivity(ctx, exec, el, outputs)
}

// completeActivity finishes an activity: merge outputs, register any
// compensation handler, disarm boundaries, record the completion and leave.
func (e *txEnv) completeActivity(ctx context.Context, exec *instance.Execution, el *definition.Element, outputs map[string]any) error {
	if err := e.setVariables(ctx, exec.ScopeID, outputs); err != nil {
		return err
	}
	if err := e.subs.DeleteByExecution(ctx, exec.ID); err != nil {
		return err
	}
	if el.ForCompensation {
		if err := e.emit(ctx, &outbox.Event{
			Type:        outbox.CompensationCompleted,
			ExecutionID: exec.ID,
			ActivityID:  el.ID,
		}, outbox.CompensationPayload{ActivityID: el.ID, Handlers: 1}); err != nil {
			return err
		}
		return e.leave(ctx, exec, el)
	}
	if err := e.registerCompensation(ctx, exec, el); err != nil {
		return err
	}
	if err := e.emit(ctx, &outbox.Event{
		Type:        outbox.ActivityCompleted,
		ExecutionID: exec.ID,
		ActivityID:  el.ID,
	}, outbox.ActivityPayload{ElementID: el.ID, ElementKind: string(el.Kind), Name: el.Name}); err != nil {
		return err
	}
	return e.leave(ctx, exec, el)
}

// registerCompensation records the activity's compensation handler, if it
// declares one through a compensation boundary. Inside a running transaction
// the handler registers with the transaction scope; elsewhere it becomes a
// bare compensation subscription.
func (e *txEnv) registerCompensation(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	var handlerID string
	for _, b := range e.def.Boundaries(el.ID) {
		if b.Event == definition.EventCompensation && b.CompensationHandler != "" {
			handlerID = b.CompensationHandler
			break
		}
	}
	if handlerID == "" {
		return nil
	}
	sub := &subscription.Subscription{
		ProcessInstanceID: e.inst.ID,
		ActivityID:        el.ID,
	}
	sub.Config.HandlerActivityID = handlerID
	// Replay prefers the scope the work completed in, while it lasts.
	sub.Config.ScopeID = exec.ScopeID
	if ts, err := e.activeTransactionScope(ctx, el); err != nil {
		return err
	} else if ts != nil {
		_, err := e.comp.Register(ctx, ts.ID, sub)
		return err
	}
	sub.Kind = subscription.KindCompensation
	_, err := e.subs.Create(ctx, sub)
	return err
}

// activeTransactionScope returns the ACTIVE transaction scope of the nearest
// enclosing transaction element, or nil when el runs outside a transaction.
func (e *txEnv) activeTransactionScope(ctx context.Context, el *definition.Element) (*compensation.TransactionScope, error) {
	txEl := e.enclosingOfKind(el, definition.KindTransaction)
	if txEl == nil {
		return nil, nil
	}
	rows, err := e.tx.TransactionScopes().ByElement(ctx, e.inst.ID, txEl.ID)
	if err != nil {
		return nil, err
	}
	for _, ts := range rows {
		if ts.State == compensation.StateActive {
			return ts, nil
		}
	}
	return nil, nil
}

// armBoundaries creates the subscriptions for the timer, signal, message and
// conditional boundary events of the activity. Error boundaries are matched
// by the synchronous error walk and compensation boundaries register at
// completion, so neither needs a subscription.
func (e *txEnv) armBoundaries(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	for _, b := range e.def.Boundaries(el.ID) {
		sub := &subscription.Subscription{
			ProcessInstanceID: e.inst.ID,
			ExecutionID:       exec.ID,
			ActivityID:        b.ID,
		}
		switch b.Event {
		case definition.EventTimer:
			if err := b.Timer.Compile(); err != nil {
				return err
			}
			sched := b.Timer.Schedule()
			sub.Kind = subscription.KindTimer
			sub.Config.DueTime = sched.FirstDue(e.in.clock.Now())
			sub.Config.Repeats = sched.Repeats()
		case definition.EventSignal:
			sub.Kind = subscription.KindSignal
			sub.EventName = b.SignalRef
		case definition.EventMessage:
			sub.Kind = subscription.KindMessage
			sub.EventName = b.MessageRef
		case definition.EventConditional:
			vars, err := e.scopes.Variables(ctx, exec.ScopeID)
			if err != nil {
				return err
			}
			hold, err := e.in.eval.EvaluateCondition(b.Condition, vars)
			if err != nil {
				return err
			}
			sub.Kind = subscription.KindConditional
			sub.Config.Expression = b.Condition
			sub.Config.ScopeID = exec.ScopeID
			sub.Config.LastState = hold
		default:
			continue
		}
		if _, err := e.subs.Create(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

func (e *txEnv) enterExclusiveGateway(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	flow, err := e.selectExclusive(ctx, exec, el)
	if err != nil {
		return e.raiseIncident(ctx, exec, err)
	}
	return e.take(ctx, exec, []*definition.SequenceFlow{flow})
}

// selectExclusive picks the first outgoing flow, in declaration order, whose
// condition holds; an unconditioned flow always holds. The default flow is
// the fallback.
func (e *txEnv) selectExclusive(ctx context.Context, exec *instance.Execution, el *definition.Element) (*definition.SequenceFlow, error) {
	vars, err := e.scopes.Variables(ctx, exec.ScopeID)
	if err != nil {
		return nil, err
	}
	for _, f := range e.def.OutgoingFlows(el) {
		if f.ID == el.Default {
			continue
		}
		if f.Condition == "" {
			return f, nil
		}
		hold, err := e.in.eval.EvaluateCondition(f.Condition, vars)
		if err != nil {
			return nil, err
		}
		if hold {
			return f, nil
		}
	}
	if el.Default != "" {
		if f, ok := e.def.Flow(el.Default); ok {
			return f, nil
		}
	}
	return nil, engine.Wrap(engine.KindConflict, "gateway "+el.ID, engine.ErrNoOutgoingFlow)
}

// enterJoiningGateway handles parallel and inclusive gateways: the arriving
// token parks until the join is satisfied, then the last arrival consumes
// the parked siblings and diverges.
func (e *txEnv) enterJoiningGateway(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	incoming := e.def.IncomingFlows(el)
	if len(incoming) > 1 && exec.EnteredFlowID != "" {
		ready, err := e.joinReady(ctx, exec, el, incoming)
		if err != nil {
			return err
		}
		if !ready {
			return e.wait(ctx, exec)
		}
		if err := e.consumeArrivals(ctx, exec, el); err != nil {
			return err
		}
	}
	return e.diverge(ctx, exec, el)
}

// joinReady reports whether the join fires counting the current arrival. A
// parallel join needs a token on every incoming flow; an inclusive join
// dismisses flows no live token upstream can still reach.
func (e *txEnv) joinReady(ctx context.Context, exec *instance.Execution, el *definition.Element, incoming []*definition.SequenceFlow) (bool, error) {
	arrived := map[string]bool{exec.EnteredFlowID: true}
	atGate, err := e.tx.Executions().AtElement(ctx, e.inst.ID, el.ID)
	if err != nil {
		return false, err
	}
	for _, p := range atGate {
		if p.Active() {
			arrived[p.EnteredFlowID] = true
		}
	}
	var missing []*definition.SequenceFlow
	for _, f := range incoming {
		if !arrived[f.ID] {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return true, nil
	}
	if el.Kind == definition.KindParallelGateway {
		return false, nil
	}
	all, err := e.tx.Executions().ByInstance(ctx, e.inst.ID)
	if err != nil {
		return false, err
	}
	for _, f := range missing {
		upstream := e.def.UpstreamOf(f.ID)
		for _, other := range all {
			if !other.Active() || other.ID == exec.ID || other.ElementID == el.ID {
				continue
			}
			if upstream[other.ElementID] {
				return false, nil
			}
		}
	}
	return true, nil
}

// consumeArrivals removes the sibling arrivals once the join fires. Deleted
// executions absorb any follow-up still queued for them.
func (e *txEnv) consumeArrivals(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	atGate, err := e.tx.Executions().AtElement(ctx, e.inst.ID, el.ID)
	if err != nil {
		return err
	}
	for _, p := range atGate {
		if p.ID == exec.ID || !p.Active() {
			continue
		}
		if err := e.tx.Executions().Delete(ctx, p.ID); err != nil {
			return err
		}
	}
	return nil
}

// diverge leaves a parallel or inclusive gateway.
func (e *txEnv) diverge(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	if el.Kind == definition.KindParallelGateway {
		return e.take(ctx, exec, e.def.OutgoingFlows(el))
	}
	flows, err := e.selectInclusive(ctx, exec, el)
	if err != nil {
		return e.raiseIncident(ctx, exec, err)
	}
	return e.take(ctx, exec, flows)
}

// selectInclusive picks every outgoing flow whose condition holds, or the
// default flow when none does.
func (e *txEnv) selectInclusive(ctx context.Context, exec *instance.Execution, el *definition.Element) ([]*definition.SequenceFlow, error) {
	vars, err := e.scopes.Variables(ctx, exec.ScopeID)
	if err != nil {
		return nil, err
	}
	var flows []*definition.SequenceFlow
	for _, f := range e.def.OutgoingFlows(el) {
		if f.ID == el.Default {
			continue
		}
		if f.Condition == "" {
			flows = append(flows, f)
			continue
		}
		hold, err := e.in.eval.EvaluateCondition(f.Condition, vars)
		if err != nil {
			return nil, err
		}
		if hold {
			flows = append(flows, f)
		}
	}
	if len(flows) > 0 {
		return flows, nil
	}
	if el.Default != "" {
		if f, ok := e.def.Flow(el.Default); ok {
			return []*definition.SequenceFlow{f}, nil
		}
	}
	return nil, engine.Wrap(engine.KindConflict, "gateway "+el.ID, engine.ErrNoOutgoingFlow)
}

// enterScopeActivity starts an embedded sub-process or transaction: open the
// child scope, arm boundaries and event sub-processes, then drop a token on
// the inner start event while the host waits.
func (e *txEnv) enterScopeActivity(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	if err := e.emitActivityStarted(ctx, exec, el); err != nil {
		return err
	}
	kind := scope.KindSubProcess
	if el.Kind == definition.KindTransaction {
		kind = scope.KindTransaction
	}
	child, err := e.scopes.CreateScope(ctx, e.inst.ID, exec.ScopeID, kind, el.ID)
	if err != nil {
		return err
	}
	if el.Kind == definition.KindTransaction {
		if _, err := e.comp.Open(ctx, e.inst.ID, exec.ID, el.ID, child.ID); err != nil {
			return err
		}
	}
	if err := e.armBoundaries(ctx, exec, el); err != nil {
		return err
	}
	for _, esp := range e.def.EventSubProcesses(el.ID) {
		rc := eventsub.RegisterContext{
			Definition:        e.def,
			Element:           esp,
			ProcessInstanceID: e.inst.ID,
			HostExecutionID:   exec.ID,
			ScopeID:           child.ID,
		}
		if _, err := e.events.Register(ctx, rc); err != nil {
			return err
		}
	}
	starts := e.def.StartEvents(el.ID, definition.EventNone)
	if len(starts) == 0 {
		return engine.Errorf(engine.KindInternal, "sub-process %s has no start event", el.ID)
	}
	inner := &instance.Execution{
		ID:                uuid.NewString(),
		ProcessInstanceID: e.inst.ID,
		ParentID:          exec.ID,
		ElementID:         starts[0].ID,
		ScopeID:           child.ID,
		State:             instance.ExecReady,
		CreateTime:        e.in.clock.Now(),
	}
	if err := e.tx.Executions().Create(ctx, inner); err != nil {
		return err
	}
	e.continueLater(inner.ID)
	return e.wait(ctx, exec)
}

func (e *txEnv) enterCatchEvent(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	sub := &subscription.Subscription{
		ProcessInstanceID: e.inst.ID,
		ExecutionID:       exec.ID,
		ActivityID:        el.ID,
	}
	switch el.Event {
	case definition.EventTimer:
		if err := el.Timer.Compile(); err != nil {
			return e.raiseIncident(ctx, exec, err)
		}
		sched := el.Timer.Schedule()
		sub.Kind = subscription.KindTimer
		sub.Config.DueTime = sched.FirstDue(e.in.clock.Now())
		sub.Config.Repeats = sched.Repeats()
	case definition.EventSignal:
		sub.Kind = subscription.KindSignal
		sub.EventName = el.SignalRef
	case definition.EventMessage:
		sub.Kind = subscription.KindMessage
		sub.EventName = el.MessageRef
	case definition.EventConditional:
		vars, err := e.scopes.Variables(ctx, exec.ScopeID)
		if err != nil {
			return err
		}
		hold, err := e.in.eval.EvaluateCondition(el.Condition, vars)
		if err != nil {
			return e.raiseIncident(ctx, exec, err)
		}
		if hold {
			return e.leave(ctx, exec, el)
		}
		sub.Kind = subscription.KindConditional
		sub.Config.Expression = el.Condition
		sub.Config.ScopeID = exec.ScopeID
	default:
		return e.raiseIncident(ctx, exec, engine.Errorf(engine.KindInternal, "catch event %s has no trigger", el.ID))
	}
	if _, err := e.subs.Create(ctx, sub); err != nil {
		return err
	}
	return e.wait(ctx, exec)
}

func (e *txEnv) enterThrowEvent(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	switch el.Event {
	case definition.EventSignal:
		if err := e.broadcastSignal(ctx, el.SignalRef); err != nil {
			return err
		}
	case definition.EventCompensation:
		if err := e.throwCompensation(ctx, exec, el); err != nil {
			return err
		}
	default:
		return e.raiseIncident(ctx, exec, engine.Errorf(engine.KindInternal, "throw event %s has no result", el.ID))
	}
	return e.leave(ctx, exec, el)
}

// broadcastSignal fans the signal out to every catching subscription, across
// instances. The home lane of each target serializes the delivery.
func (e *txEnv) broadcastSignal(ctx context.Context, name string) error {
	subs, err := e.subs.ByName(ctx, subscription.KindSignal, name, "")
	if err != nil {
		return err
	}
	for _, sub := range subs {
		e.followUp(WorkItem{
			ProcessInstanceID: sub.ProcessInstanceID,
			ExecutionID:       sub.ExecutionID,
			Action:            ActionTrigger,
			SubscriptionID:    sub.ID,
		})
	}
	return nil
}

// throwCompensation compensates the nearest enclosing transaction, or the
// whole instance when thrown outside one.
func (e *txEnv) throwCompensation(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	ts, err := e.activeTransactionScope(ctx, el)
	if err != nil {
		return err
	}
	if ts == nil {
		return e.compensate(ctx, "")
	}
	failed, err := e.comp.Trigger(ctx, ts.ID, e.compensationRunner(ts.ElementID))
	if err != nil {
		return err
	}
	return e.reportCompensationFailures(ctx, ts.ElementID, failed)
}
