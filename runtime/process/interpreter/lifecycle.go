package interpreter

import (
	"context"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/eventsub"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/subscription"
)

// completeToken consumes an execution that reached the end of its path and
// completes the enclosing scope if it was the last one.
func (e *txEnv) completeToken(ctx context.Context, exec *instance.Execution) error {
	exec.State = instance.ExecCompleted
	if err := e.tx.Executions().Update(ctx, exec); err != nil {
		return err
	}
	if err := e.subs.DeleteByExecution(ctx, exec.ID); err != nil {
		return err
	}
	return e.cascade(ctx, exec.ScopeID)
}

// cascade completes the scope once it holds no live work: the process scope
// ends the instance, an event sub-process scope retires and re-checks its
// parent, and an activity scope resumes its host.
func (e *txEnv) cascade(ctx context.Context, scopeID string) error {
	s, err := e.tx.Scopes().Get(ctx, scopeID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return nil
		}
		return err
	}
	if !s.Active {
		return nil
	}
	live, err := e.liveInScope(ctx, s.ID)
	if err != nil {
		return err
	}
	if live > 0 {
		return nil
	}
	switch s.Kind {
	case scope.KindProcess:
		return e.endInstance(ctx, instance.StateCompleted, "")
	case scope.KindEventSubProcess:
		if err := e.scopes.DestroyScope(ctx, s.ID); err != nil {
			return err
		}
		return e.cascade(ctx, s.ParentID)
	case scope.KindSubProcess, scope.KindTransaction:
		return e.completeScopeActivity(ctx, s)
	default:
		return nil
	}
}

// liveInScope counts the tokens keeping the scope open: executions bound to
// it that have not completed, plus the work of any event sub-process still
// running under it. Failed executions count because incident resolution can
// revive them.
func (e *txEnv) liveInScope(ctx context.Context, scopeID string) (int, error) {
	execs, err := e.tx.Executions().ByInstance(ctx, e.inst.ID)
	if err != nil {
		return 0, err
	}
	live := 0
	for _, x := range execs {
		if x.ScopeID == scopeID && x.State != instance.ExecCompleted {
			live++
		}
	}
	children, err := e.tx.Scopes().ChildrenOf(ctx, scopeID)
	if err != nil {
		return 0, err
	}
	for _, c := range children {
		if !c.Active || c.Kind != scope.KindEventSubProcess {
			continue
		}
		n, err := e.liveInScope(ctx, c.ID)
		if err != nil {
			return 0, err
		}
		live += n
	}
	return live, nil
}

// completeScopeActivity finishes a sub-process or transaction whose inner
// flow drained, converting an active transaction into its event scope, and
// resumes the host execution.
func (e *txEnv) completeScopeActivity(ctx context.Context, s *scope.Scope) error {
	host, err := e.hostExecutionOf(ctx, s)
	if err != nil {
		return err
	}
	el, err := e.element(s.ElementID)
	if err != nil {
		return err
	}
	if el.Kind == definition.KindTransaction {
		rows, err := e.tx.TransactionScopes().ByElement(ctx, e.inst.ID, el.ID)
		if err != nil {
			return err
		}
		for _, ts := range rows {
			if ts.State != compensation.StateActive {
				continue
			}
			if _, err := e.comp.Complete(ctx, ts.ID); err != nil {
				return err
			}
			ev := &outbox.Event{Type: outbox.TransactionCompleted, ActivityID: el.ID}
			if host != nil {
				ev.ExecutionID = host.ID
			}
			if err := e.emit(ctx, ev, outbox.TransactionPayload{ElementID: el.ID}); err != nil {
				return err
			}
			break
		}
	}
	if err := e.scopes.DestroyScope(ctx, s.ID); err != nil {
		return err
	}
	if host == nil {
		return nil
	}
	return e.completeActivity(ctx, host, el, nil)
}

// hostExecutionOf finds the execution waiting on the activity that opened
// the scope, or nil when it is gone.
func (e *txEnv) hostExecutionOf(ctx context.Context, s *scope.Scope) (*instance.Execution, error) {
	if s.ElementID == "" {
		return nil, nil
	}
	execs, err := e.tx.Executions().AtElement(ctx, e.inst.ID, s.ElementID)
	if err != nil {
		return nil, err
	}
	for _, x := range execs {
		if x.State == instance.ExecWaiting && x.ScopeID == s.ParentID {
			return x, nil
		}
	}
	return nil, nil
}

// terminate ends the whole instance immediately, cancelling every live
// token.
func (e *txEnv) terminate(ctx context.Context, exec *instance.Execution) error {
	exec.State = instance.ExecCompleted
	if err := e.tx.Executions().Update(ctx, exec); err != nil {
		return err
	}
	if err := e.cancelScopeTokens(ctx, e.inst.RootScopeID); err != nil {
		return err
	}
	return e.endInstance(ctx, instance.StateTerminated, "")
}

// cancelInstance aborts a running instance on operator request.
func (e *txEnv) cancelInstance(ctx context.Context, reason string) error {
	if e.inst.State.Terminal() {
		return engine.Errorf(engine.KindConflict, "process instance %s is %s", e.inst.ID, e.inst.State)
	}
	if err := e.cancelScopeTokens(ctx, e.inst.RootScopeID); err != nil {
		return err
	}
	return e.endInstance(ctx, instance.StateCancelled, reason)
}

// endInstance moves the instance to a terminal state, clears its runtime
// rows and appends the closing lifecycle event.
func (e *txEnv) endInstance(ctx context.Context, state instance.State, reason string) error {
	if e.inst.State.Terminal() {
		return nil
	}
	e.inst.State = state
	e.inst.EndTime = e.in.clock.Now()
	if reason != "" {
		e.inst.CancelReason = reason
	}
	if err := e.tx.Instances().Update(ctx, e.inst); err != nil {
		return err
	}
	if err := e.teardown(ctx); err != nil {
		return err
	}
	typ := outbox.ProcessInstanceEnd
	if state == instance.StateCancelled {
		typ = outbox.ProcessInstanceCancelled
	}
	return e.emit(ctx, &outbox.Event{Type: typ}, outbox.InstancePayload{
		DefinitionID:  e.inst.DefinitionID,
		DefinitionKey: e.inst.DefinitionKey,
		Version:       e.inst.Version,
		BusinessKey:   e.inst.BusinessKey,
		TenantID:      e.inst.TenantID,
		State:         string(state),
		Reason:        reason,
	})
}

// teardown removes the wait state of a finished instance: subscriptions,
// open tasks, the scope tree and any transaction scopes. Execution rows
// keep their terminal states.
func (e *txEnv) teardown(ctx context.Context) error {
	if err := e.subs.DeleteByInstance(ctx, e.inst.ID); err != nil {
		return err
	}
	tasks, err := e.tx.Tasks().ByInstance(ctx, e.inst.ID)
	if err != nil {
		return err
	}
	now := e.in.clock.Now()
	for _, tk := range tasks {
		if tk.State.Terminal() {
			continue
		}
		tk.Cancel(now)
		if err := e.tx.Tasks().Update(ctx, tk); err != nil {
			return err
		}
	}
	if e.inst.RootScopeID != "" {
		if err := e.scopes.DestroyScope(ctx, e.inst.RootScopeID); err != nil {
			return err
		}
	}
	rows, err := e.tx.TransactionScopes().ByInstance(ctx, e.inst.ID)
	if err != nil {
		return err
	}
	for _, ts := range rows {
		if err := e.tx.TransactionScopes().Delete(ctx, ts.ID); err != nil {
			return err
		}
	}
	return nil
}

// cancelScopeTokens cancels every live execution bound to the scope and
// recursively the event sub-processes running under it. Scopes listed in
// keep are left untouched.
func (e *txEnv) cancelScopeTokens(ctx context.Context, scopeID string, keep ...string) error {
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	execs, err := e.tx.Executions().ByInstance(ctx, e.inst.ID)
	if err != nil {
		return err
	}
	for _, x := range execs {
		if x.ScopeID != scopeID || x.State == instance.ExecCompleted {
			continue
		}
		if err := e.cancelExecution(ctx, x); err != nil {
			return err
		}
	}
	children, err := e.tx.Scopes().ChildrenOf(ctx, scopeID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if !c.Active || c.Kind != scope.KindEventSubProcess || kept[c.ID] {
			continue
		}
		if err := e.cancelScopeTokens(ctx, c.ID); err != nil {
			return err
		}
		if err := e.scopes.DestroyScope(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// cancelExecution withdraws one token: its subscriptions, its open tasks
// and the scopes it hosts all go, and the activity reports cancelled.
func (e *txEnv) cancelExecution(ctx context.Context, exec *instance.Execution) error {
	if exec.State == instance.ExecCompleted {
		return nil
	}
	el, _ := e.def.Element(exec.ElementID)
	if el != nil && el.Kind == definition.KindTransaction {
		if err := e.abortTransaction(ctx, el.ID); err != nil {
			return err
		}
	}
	if el != nil {
		children, err := e.tx.Scopes().ChildrenOf(ctx, exec.ScopeID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if !c.Active || c.ElementID != el.ID {
				continue
			}
			if err := e.cancelScopeTokens(ctx, c.ID); err != nil {
				return err
			}
			if err := e.scopes.DestroyScope(ctx, c.ID); err != nil {
				return err
			}
		}
	}
	tasks, err := e.tx.Tasks().ByInstance(ctx, e.inst.ID)
	if err != nil {
		return err
	}
	now := e.in.clock.Now()
	for _, tk := range tasks {
		if tk.ExecutionID != exec.ID || tk.State.Terminal() {
			continue
		}
		tk.Cancel(now)
		if err := e.tx.Tasks().Update(ctx, tk); err != nil {
			return err
		}
	}
	if err := e.subs.DeleteByExecution(ctx, exec.ID); err != nil {
		return err
	}
	exec.State = instance.ExecCompleted
	if err := e.tx.Executions().Update(ctx, exec); err != nil {
		return err
	}
	if el != nil && el.IsActivity() && !el.ForCompensation {
		return e.emit(ctx, &outbox.Event{
			Type:        outbox.ActivityCancelled,
			ExecutionID: exec.ID,
			ActivityID:  el.ID,
		}, outbox.ActivityPayload{ElementID: el.ID, ElementKind: string(el.Kind), Name: el.Name})
	}
	return nil
}

// abortTransaction cancels the ACTIVE transaction scope of the element
// without replaying handlers and drops its registrations. Compensating an
// aborted transaction is not possible.
func (e *txEnv) abortTransaction(ctx context.Context, elementID string) error {
	rows, err := e.tx.TransactionScopes().ByElement(ctx, e.inst.ID, elementID)
	if err != nil {
		return err
	}
	for _, ts := range rows {
		if ts.State != compensation.StateActive {
			continue
		}
		if _, err := e.comp.Cancel(ctx, ts.ID, false, nil); err != nil {
			return err
		}
		cancelled, err := e.comp.Get(ctx, ts.ID)
		if err != nil {
			return err
		}
		for _, id := range cancelled.SubscriptionIDs {
			if err := e.subs.Consume(ctx, id); err != nil {
				return err
			}
		}
		cancelled.SubscriptionIDs = nil
		if err := e.tx.TransactionScopes().Update(ctx, cancelled); err != nil {
			return err
		}
	}
	return nil
}

// cancelTransactionFrom handles a cancel end event: the inner flow stops,
// registered handlers replay newest first, and the host resumes through the
// transaction's cancel boundary.
func (e *txEnv) cancelTransactionFrom(ctx context.Context, exec *instance.Execution, el *definition.Element) error {
	txEl := e.enclosingOfKind(el, definition.KindTransaction)
	if txEl == nil {
		return e.raiseIncident(ctx, exec, engine.Errorf(engine.KindConflict, "cancel end event %s is outside a transaction", el.ID))
	}
	exec.State = instance.ExecCompleted
	if err := e.tx.Executions().Update(ctx, exec); err != nil {
		return err
	}
	rows, err := e.tx.TransactionScopes().ByElement(ctx, e.inst.ID, txEl.ID)
	if err != nil {
		return err
	}
	var ts *compensation.TransactionScope
	for _, row := range rows {
		if row.State == compensation.StateActive {
			ts = row
			break
		}
	}
	if ts == nil {
		return e.raiseIncident(ctx, exec, engine.Errorf(engine.KindConflict, "transaction %s has no active scope", txEl.ID))
	}
	s, err := e.tx.Scopes().Get(ctx, ts.ScopeID)
	if err != nil {
		return err
	}
	host, err := e.hostExecutionOf(ctx, s)
	if err != nil {
		return err
	}
	if err := e.cancelScopeTokens(ctx, ts.ScopeID); err != nil {
		return err
	}
	// Destroy before the replay so handler executions land in the root
	// scope rather than in a scope their follow-up would find gone.
	if err := e.scopes.DestroyScope(ctx, ts.ScopeID); err != nil {
		return err
	}
	failed, err := e.comp.Cancel(ctx, ts.ID, true, e.compensationRunner(txEl.ID))
	if err != nil {
		return err
	}
	if err := e.reportCompensationFailures(ctx, txEl.ID, failed); err != nil {
		return err
	}
	ev := &outbox.Event{Type: outbox.TransactionCancelled, ActivityID: txEl.ID}
	if host != nil {
		ev.ExecutionID = host.ID
	}
	if err := e.emit(ctx, ev, outbox.TransactionPayload{ElementID: txEl.ID}); err != nil {
		return err
	}
	if host == nil {
		return nil
	}
	var boundary *definition.Element
	for _, b := range e.def.Boundaries(txEl.ID) {
		if b.Event == definition.EventCancel {
			boundary = b
			break
		}
	}
	if boundary == nil {
		return e.raiseIncident(ctx, host, engine.Errorf(engine.KindConflict, "transaction %s has no cancel boundary", txEl.ID))
	}
	if err := e.subs.DeleteByExecution(ctx, host.ID); err != nil {
		return err
	}
	host.ElementID = boundary.ID
	host.EnteredFlowID = ""
	host.State = instance.ExecReady
	if err := e.tx.Executions().Update(ctx, host); err != nil {
		return err
	}
	return e.leave(ctx, host, boundary)
}

// throwError propagates a thrown BPMN error: boundaries on the throwing
// activity first, then per enclosing scope an error event sub-process
// before the boundary on the scope's own border. An uncaught error fails
// the instance.
func (e *txEnv) throwError(ctx context.Context, exec *instance.Execution, origin *definition.Element, code, message string) error {
	if origin.IsActivity() {
		if b := matchErrorBoundary(e.def.Boundaries(origin.ID), code); b != nil {
			return e.catchWithBoundary(ctx, exec, exec, origin, origin, b, code, message)
		}
	}
	scopeID := exec.ScopeID
	for scopeID != "" {
		s, err := e.tx.Scopes().Get(ctx, scopeID)
		if err != nil {
			return err
		}
		if esp, _ := e.matchErrorEventSub(s.ElementID, code); esp != nil {
			return e.catchWithEventSub(ctx, exec, origin, s, esp, code, message)
		}
		if s.ElementID != "" {
			container, ok := e.def.Element(s.ElementID)
			if ok && container.IsScope() {
				if b := matchErrorBoundary(e.def.Boundaries(container.ID), code); b != nil {
					host, err := e.hostExecutionOf(ctx, s)
					if err != nil {
						return err
					}
					if host != nil {
						return e.catchWithBoundary(ctx, exec, host, origin, container, b, code, message)
					}
				}
			}
		}
		scopeID = s.ParentID
	}
	if err := e.emit(ctx, &outbox.Event{
		Type:        outbox.ErrorThrown,
		ExecutionID: exec.ID,
		ActivityID:  origin.ID,
	}, outbox.ErrorPayload{Code: code, Message: message, Caught: false}); err != nil {
		return err
	}
	if err := e.cancelScopeTokens(ctx, e.inst.RootScopeID); err != nil {
		return err
	}
	reason := message
	if reason == "" {
		reason = "uncaught error " + code
	}
	return e.endInstance(ctx, instance.StateFailed, reason)
}

// catchWithBoundary aborts the host activity and routes its token out
// through the catching error boundary.
func (e *txEnv) catchWithBoundary(ctx context.Context, thrower, host *instance.Execution, origin, hostEl, b *definition.Element, code, message string) error {
	if err := e.emit(ctx, &outbox.Event{
		Type:        outbox.ErrorThrown,
		ExecutionID: thrower.ID,
		ActivityID:  origin.ID,
	}, outbox.ErrorPayload{Code: code, Message: message, Caught: true}); err != nil {
		return err
	}
	if err := e.cancelExecution(ctx, host); err != nil {
		return err
	}
	if err := e.setVariables(ctx, host.ScopeID, errorVariables(code, message)); err != nil {
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

// catchWithEventSub starts the error event sub-process of the enclosing
// scope. An interrupting start cancels the scope's other work first.
func (e *txEnv) catchWithEventSub(ctx context.Context, thrower *instance.Execution, origin *definition.Element, s *scope.Scope, esp *definition.Element, code, message string) error {
	if err := e.emit(ctx, &outbox.Event{
		Type:        outbox.ErrorThrown,
		ExecutionID: thrower.ID,
		ActivityID:  origin.ID,
	}, outbox.ErrorPayload{Code: code, Message: message, Caught: true}); err != nil {
		return err
	}
	hostExecID := ""
	if s.ElementID != "" {
		host, err := e.hostExecutionOf(ctx, s)
		if err != nil {
			return err
		}
		if host != nil {
			hostExecID = host.ID
		}
	}
	res, err := e.events.Trigger(ctx, eventsub.TriggerContext{
		Definition:        e.def,
		Element:           esp,
		ProcessInstanceID: e.inst.ID,
		HostExecutionID:   hostExecID,
		ScopeID:           s.ID,
		Event:             &eventsub.TriggerEvent{Kind: subscription.KindError, Name: code, Data: errorVariables(code, message)},
	})
	if err != nil {
		return err
	}
	if res.Interrupting {
		if err := e.cancelScopeTokens(ctx, s.ID, res.ScopeID); err != nil {
			return err
		}
		if err := e.dropEventSubStarts(ctx, s.ElementID); err != nil {
			return err
		}
	} else if thrower.State != instance.ExecCompleted {
		thrower.State = instance.ExecCompleted
		if err := e.tx.Executions().Update(ctx, thrower); err != nil {
			return err
		}
	}
	e.continueLater(res.ExecutionID)
	return nil
}

// dropEventSubStarts removes the start event subscriptions of every event
// sub-process at the container level, used once an interrupting one fires.
func (e *txEnv) dropEventSubStarts(ctx context.Context, containerID string) error {
	startIDs := make(map[string]bool)
	for _, esp := range e.def.EventSubProcesses(containerID) {
		for _, start := range e.def.StartEvents(esp.ID) {
			startIDs[start.ID] = true
		}
	}
	if len(startIDs) == 0 {
		return nil
	}
	subs, err := e.subs.ByInstance(ctx, e.inst.ID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if startIDs[sub.ActivityID] {
			if err := e.subs.Consume(ctx, sub.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// matchErrorBoundary picks the catching error boundary for the code: an
// exact code match beats a catch-all, ties resolve by element ID.
func matchErrorBoundary(bounds []*definition.Element, code string) *definition.Element {
	var best *definition.Element
	for _, b := range bounds {
		if b.Event != definition.EventError {
			continue
		}
		if b.ErrorRef != "" && b.ErrorRef != code {
			continue
		}
		best = pickCatch(best, b, code)
	}
	return best
}

// matchErrorEventSub picks the catching error event sub-process of the
// container, with the same precedence as boundaries.
func (e *txEnv) matchErrorEventSub(containerID, code string) (*definition.Element, *definition.Element) {
	var bestSub, bestStart *definition.Element
	for _, esp := range e.def.EventSubProcesses(containerID) {
		for _, start := range e.def.StartEvents(esp.ID, definition.EventError) {
			if start.ErrorRef != "" && start.ErrorRef != code {
				continue
			}
			if picked := pickCatch(bestStart, start, code); picked == start {
				bestStart = start
				bestSub = esp
			}
		}
	}
	return bestSub, bestStart
}

// pickCatch compares two catch candidates: exact match wins over catch-all,
// then the lower element ID.
func pickCatch(best, candidate *definition.Element, code string) *definition.Element {
	if best == nil {
		return candidate
	}
	bestExact := best.ErrorRef == code
	candExact := candidate.ErrorRef == code
	if candExact != bestExact {
		if candExact {
			return candidate
		}
		return best
	}
	if candidate.ID < best.ID {
		return candidate
	}
	return best
}

// errorVariables is the payload handed to error catch paths.
func errorVariables(code, message string) map[string]any {
	vars := map[string]any{"errorCode": code}
	if message != "" {
		vars["errorMessage"] = message
	}
	return vars
}

// compensationRunner adapts handler replay to the interpreter: each handler
// runs as its own fire-and-forget execution.
func (e *txEnv) compensationRunner(transactionElementID string) compensation.Handler {
	return func(ctx context.Context, sub *subscription.Subscription) error {
		return e.runCompensationHandler(ctx, transactionElementID, sub)
	}
}

// runCompensationHandler records the trigger and drops a token on the
// handler activity. The handler runs in the scope the registration was made
// in when it still exists, the root scope otherwise.
func (e *txEnv) runCompensationHandler(ctx context.Context, transactionElementID string, sub *subscription.Subscription) error {
	handler, ok := e.def.Element(sub.Config.HandlerActivityID)
	if !ok {
		return engine.Errorf(engine.KindCompensationHandlerFailed, "compensation handler %q is not part of definition %s", sub.Config.HandlerActivityID, e.def.ID)
	}
	if err := e.emit(ctx, &outbox.Event{
		Type:       outbox.CompensationTriggered,
		ActivityID: sub.ActivityID,
	}, outbox.CompensationPayload{
		TransactionElementID: transactionElementID,
		ActivityID:           sub.ActivityID,
		Handlers:             1,
	}); err != nil {
		return err
	}
	scopeID := e.inst.RootScopeID
	if sub.Config.ScopeID != "" {
		if s, err := e.tx.Scopes().Get(ctx, sub.Config.ScopeID); err == nil && s.Active {
			scopeID = s.ID
		}
	}
	exec := &instance.Execution{
		ID:                uuid.NewString(),
		ProcessInstanceID: e.inst.ID,
		ElementID:         handler.ID,
		ScopeID:           scopeID,
		State:             instance.ExecReady,
		CreateTime:        e.in.clock.Now(),
	}
	if err := e.tx.Executions().Create(ctx, exec); err != nil {
		return err
	}
	e.continueLater(exec.ID)
	return nil
}

// compensate replays registered compensation for the instance: completed
// transaction event scopes newest first, then registrations made outside
// any transaction, newest first. An activity ID narrows the replay.
func (e *txEnv) compensate(ctx context.Context, activityID string) error {
	rows, err := e.tx.TransactionScopes().ByInstance(ctx, e.inst.ID)
	if err != nil {
		return err
	}
	referenced := make(map[string]bool)
	for _, ts := range rows {
		for _, id := range ts.SubscriptionIDs {
			referenced[id] = true
		}
	}
	var only []string
	if activityID != "" {
		only = []string{activityID}
	}
	for _, ts := range newestFirst(rows) {
		if ts.State != compensation.StateCompleted {
			continue
		}
		failed, err := e.comp.Trigger(ctx, ts.ID, e.compensationRunner(ts.ElementID), only...)
		if err != nil {
			return err
		}
		if err := e.reportCompensationFailures(ctx, ts.ElementID, failed); err != nil {
			return err
		}
	}
	subs, err := e.subs.ByKind(ctx, e.inst.ID, subscription.KindCompensation)
	if err != nil {
		return err
	}
	for i := len(subs) - 1; i >= 0; i-- {
		sub := subs[i]
		if referenced[sub.ID] {
			continue
		}
		if activityID != "" && sub.ActivityID != activityID {
			continue
		}
		if err := e.runCompensationHandler(ctx, "", sub); err != nil {
			e.in.logger.Error(ctx, "compensation handler failed",
				"process_instance_id", e.inst.ID,
				"activity_id", sub.ActivityID,
				"error", err.Error())
			if err := e.reportCompensationFailures(ctx, "", 1); err != nil {
				return err
			}
		}
		if err := e.subs.Consume(ctx, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

// reportCompensationFailures appends one COMPENSATION_FAILED event covering
// the handlers that failed during a replay.
func (e *txEnv) reportCompensationFailures(ctx context.Context, transactionElementID string, failed int) error {
	if failed == 0 {
		return nil
	}
	return e.emit(ctx, &outbox.Event{
		Type:       outbox.CompensationFailed,
		ActivityID: transactionElementID,
	}, outbox.CompensationPayload{TransactionElementID: transactionElementID, Handlers: failed})
}

// raiseIncident parks the execution as FAILED with an incident row for
// operator resolution. The work unit itself commits.
func (e *txEnv) raiseIncident(ctx context.Context, exec *instance.Execution, cause error) error {
	exec.State = instance.ExecFailed
	if err := e.tx.Executions().Update(ctx, exec); err != nil {
		return err
	}
	inc := &instance.Incident{
		ID:                uuid.NewString(),
		ProcessInstanceID: e.inst.ID,
		ExecutionID:       exec.ID,
		ElementID:         exec.ElementID,
		Code:              incidentCode(cause),
		Message:           cause.Error(),
		CreateTime:        e.in.clock.Now(),
	}
	if err := e.tx.Incidents().Create(ctx, inc); err != nil {
		return err
	}
	if err := e.emit(ctx, &outbox.Event{
		Type:        outbox.IncidentRaised,
		ExecutionID: exec.ID,
		ActivityID:  exec.ElementID,
	}, outbox.IncidentPayload{IncidentID: inc.ID, Code: inc.Code, Message: inc.Message}); err != nil {
		return err
	}
	if el, ok := e.def.Element(exec.ElementID); ok && el.ForCompensation {
		return e.emit(ctx, &outbox.Event{
			Type:        outbox.CompensationFailed,
			ExecutionID: exec.ID,
			ActivityID:  el.ID,
		}, outbox.CompensationPayload{ActivityID: el.ID, Handlers: 1})
	}
	return nil
}
