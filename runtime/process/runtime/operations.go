package runtime

import (
	"context"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/eventsub"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/interpreter"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/store"
	"goa.design/flow/runtime/process/subscription"
)

type (
	// StartRequest selects the definition to start and the initial state of
	// the instance. Exactly one of DefinitionID and DefinitionKey must be
	// set; a key starts the latest deployed version.
	StartRequest struct {
		DefinitionID  string
		DefinitionKey string
		BusinessKey   string
		TenantID      string
		Variables     map[string]any
	}

	// StartResult reports a started instance.
	StartResult struct {
		InstanceID string
	}
)

// Deploy validates the definition, assigns it a version and persists it.
// Instances started before the next Deploy of the same key run this
// version to completion.
func (r *Runtime) Deploy(ctx context.Context, def *definition.Definition) (*definition.Definition, error) {
	if err := def.Validate(r.eval); err != nil {
		return nil, err
	}
	deployed := r.defs.Deploy(def)
	if err := r.store.Definitions().Save(ctx, deployed.Document()); err != nil {
		return nil, err
	}
	r.logger.Info(ctx, "definition deployed",
		"definition_id", deployed.ID,
		"definition_key", deployed.Key,
		"version", deployed.Version)
	return deployed, nil
}

// StartProcess starts an instance at the definition's none start event.
func (r *Runtime) StartProcess(ctx context.Context, req StartRequest) (*StartResult, error) {
	var (
		def *definition.Definition
		err error
	)
	switch {
	case req.DefinitionID != "":
		def, err = r.defs.ByID(req.DefinitionID)
	case req.DefinitionKey != "":
		def, err = r.defs.Latest(req.DefinitionKey)
	default:
		return nil, engine.Errorf(engine.KindValidation, "definition ID or key is required")
	}
	if err != nil {
		return nil, err
	}
	starts := def.StartEvents("", definition.EventNone)
	if len(starts) == 0 {
		return nil, engine.Errorf(engine.KindValidation, "definition %s has no none start event", def.ID)
	}
	return r.startInstance(ctx, def, starts[0], req)
}

// StartByEvent starts an instance per deployed definition whose start
// event matches the signal or message, and returns their IDs.
func (r *Runtime) StartByEvent(ctx context.Context, kind definition.EventKind, name string, payload map[string]any) ([]string, error) {
	if kind != definition.EventSignal && kind != definition.EventMessage {
		return nil, engine.Errorf(engine.KindValidation, "start by event supports signal and message, not %s", kind)
	}
	var ids []string
	for _, es := range r.defs.StartsByEvent(kind) {
		ref := es.Start.SignalRef
		if kind == definition.EventMessage {
			ref = es.Start.MessageRef
		}
		if ref != name {
			continue
		}
		res, err := r.startInstance(ctx, es.Definition, es.Start, StartRequest{Variables: payload})
		if err != nil {
			return ids, err
		}
		ids = append(ids, res.InstanceID)
	}
	return ids, nil
}

// startFromTimer is the poller's callback for due definition timer starts.
func (r *Runtime) startFromTimer(ctx context.Context, es definition.EventStart) error {
	_, err := r.startInstance(ctx, es.Definition, es.Start, StartRequest{})
	return err
}

// startInstance creates the instance, its root scope and the initial
// execution in one transaction, arms the root event sub-processes and
// hands the first work unit to the dispatcher.
func (r *Runtime) startInstance(ctx context.Context, def *definition.Definition, start *definition.Element, req StartRequest) (*StartResult, error) {
	now := r.clock.Now()
	inst := &instance.Instance{
		ID:            uuid.NewString(),
		DefinitionID:  def.ID,
		DefinitionKey: def.Key,
		Version:       def.Version,
		BusinessKey:   req.BusinessKey,
		TenantID:      req.TenantID,
		State:         instance.StateActive,
		StartTime:     now,
	}
	var execID string
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
		scopes := scope.NewManager(tx.Scopes(), tx.Variables(), r.clock)
		root, err := scopes.CreateScope(ctx, inst.ID, "", scope.KindProcess, "")
		if err != nil {
			return err
		}
		inst.RootScopeID = root.ID
		if err := tx.Instances().Create(ctx, inst); err != nil {
			return err
		}
		if err := scopes.SetVariables(ctx, root.ID, req.Variables); err != nil {
			return err
		}
		exec := &instance.Execution{
			ID:                uuid.NewString(),
			ProcessInstanceID: inst.ID,
			ElementID:         start.ID,
			ScopeID:           root.ID,
			State:             instance.ExecReady,
			CreateTime:        now,
		}
		if err := tx.Executions().Create(ctx, exec); err != nil {
			return err
		}
		execID = exec.ID
		subs := subscription.NewRegistry(tx.Subscriptions(), r.clock)
		events, err := eventsub.NewExecutor(eventsub.Options{
			Evaluator:     r.eval,
			Scopes:        scopes,
			Subscriptions: subs,
			Executions:    tx.Executions(),
			Clock:         r.clock,
			Logger:        r.logger,
		})
		if err != nil {
			return err
		}
		for _, esp := range def.EventSubProcesses("") {
			_, err := events.Register(ctx, eventsub.RegisterContext{
				Definition:        def,
				Element:           esp,
				ProcessInstanceID: inst.ID,
				ScopeID:           root.ID,
			})
			if err != nil {
				return err
			}
		}
		return r.append(ctx, tx, &outbox.Event{
			Type:              outbox.ProcessInstanceStart,
			ProcessInstanceID: inst.ID,
		}, outbox.InstancePayload{
			DefinitionID:  def.ID,
			DefinitionKey: def.Key,
			Version:       def.Version,
			BusinessKey:   req.BusinessKey,
			TenantID:      req.TenantID,
			State:         string(instance.StateActive),
		})
	})
	if err != nil {
		return nil, err
	}
	r.disp.Submit(interpreter.WorkItem{
		ProcessInstanceID: inst.ID,
		Action:            interpreter.ActionContinue,
		ExecutionID:       execID,
	})
	return &StartResult{InstanceID: inst.ID}, nil
}

// Signal broadcasts a signal to every matching subscription, across
// instances unless processInstanceID narrows it. Zero matches is not an
// error. It does not start signal start events; StartByEvent does.
func (r *Runtime) Signal(ctx context.Context, name string, payload map[string]any, processInstanceID string) error {
	subs, err := r.subs.ByName(ctx, subscription.KindSignal, name, processInstanceID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		r.disp.Submit(interpreter.WorkItem{
			ProcessInstanceID: sub.ProcessInstanceID,
			Action:            interpreter.ActionTrigger,
			SubscriptionID:    sub.ID,
			Variables:         payload,
		})
	}
	return nil
}

// DeliverMessage correlates a message to exactly one waiting subscription
// and delivers it. No match is a not-found error; several matches is a
// conflict the sender must disambiguate with a correlation key.
func (r *Runtime) DeliverMessage(ctx context.Context, name, correlationKey string, payload map[string]any) error {
	subs, err := r.subs.ByName(ctx, subscription.KindMessage, name, "")
	if err != nil {
		return err
	}
	matched := subs[:0]
	for _, sub := range subs {
		if sub.Config.CorrelationKey == correlationKey {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return engine.Errorf(engine.KindNotFound, "no subscription for message %q with correlation key %q", name, correlationKey)
	}
	if len(matched) > 1 {
		return engine.Errorf(engine.KindConflict, "message %q correlates to %d subscriptions", name, len(matched))
	}
	return r.disp.SubmitAndWait(ctx, interpreter.WorkItem{
		ProcessInstanceID: matched[0].ProcessInstanceID,
		Action:            interpreter.ActionTrigger,
		SubscriptionID:    matched[0].ID,
		Variables:         payload,
	})
}

// CompleteTask completes a user task and merges the variables into the
// task's surrounding scope.
func (r *Runtime) CompleteTask(ctx context.Context, taskID string, variables map[string]any) error {
	tk, err := r.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return err
	}
	return r.disp.SubmitAndWait(ctx, interpreter.WorkItem{
		ProcessInstanceID: tk.ProcessInstanceID,
		Action:            interpreter.ActionCompleteTask,
		TaskID:            taskID,
		Variables:         variables,
	})
}

// ClaimTask assigns an open task to a user.
func (r *Runtime) ClaimTask(ctx context.Context, taskID, user string) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
		tk, err := tx.Tasks().Get(ctx, taskID)
		if err != nil {
			return err
		}
		if err := tk.Claim(user, r.clock.Now()); err != nil {
			return err
		}
		if err := tx.Tasks().Update(ctx, tk); err != nil {
			return err
		}
		return r.append(ctx, tx, &outbox.Event{
			Type:              outbox.TaskClaimed,
			ProcessInstanceID: tk.ProcessInstanceID,
			ExecutionID:       tk.ExecutionID,
			ActivityID:        tk.ElementID,
			TaskID:            tk.ID,
		}, outbox.TaskPayload{ElementID: tk.ElementID, Name: tk.Name, Assignee: user})
	})
}

// Suspend pauses an active instance. Queued continuations drain without
// effect; durable subscriptions stay armed and fire after Resume.
func (r *Runtime) Suspend(ctx context.Context, processInstanceID string) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
		inst, err := tx.Instances().Get(ctx, processInstanceID)
		if err != nil {
			return err
		}
		if inst.State != instance.StateActive {
			return engine.Errorf(engine.KindConflict, "process instance %s is %s", inst.ID, inst.State)
		}
		inst.State = instance.StateSuspended
		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}
		return r.append(ctx, tx, &outbox.Event{
			Type:              outbox.ProcessInstanceSuspended,
			ProcessInstanceID: inst.ID,
		}, r.instancePayload(inst, ""))
	})
}

// Resume reactivates a suspended instance and re-dispatches its ready
// executions and overdue timers.
func (r *Runtime) Resume(ctx context.Context, processInstanceID string) error {
	var ready []string
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
		inst, err := tx.Instances().Get(ctx, processInstanceID)
		if err != nil {
			return err
		}
		if inst.State != instance.StateSuspended {
			return engine.Errorf(engine.KindConflict, "process instance %s is %s", inst.ID, inst.State)
		}
		inst.State = instance.StateActive
		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}
		execs, err := tx.Executions().ByInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		ready = ready[:0]
		for _, exec := range execs {
			if exec.State == instance.ExecReady {
				ready = append(ready, exec.ID)
			}
		}
		return r.append(ctx, tx, &outbox.Event{
			Type:              outbox.ProcessInstanceResumed,
			ProcessInstanceID: inst.ID,
		}, r.instancePayload(inst, ""))
	})
	if err != nil {
		return err
	}
	for _, id := range ready {
		r.disp.Submit(interpreter.WorkItem{
			ProcessInstanceID: processInstanceID,
			Action:            interpreter.ActionContinue,
			ExecutionID:       id,
		})
	}
	// Timer ticks dropped during suspension do not come back on their own;
	// resubmit whatever is overdue.
	timers, err := r.subs.ByKind(ctx, processInstanceID, subscription.KindTimer)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	for _, sub := range timers {
		if sub.Config.DueTime.IsZero() || sub.Config.DueTime.After(now) {
			continue
		}
		r.disp.Submit(interpreter.WorkItem{
			ProcessInstanceID: processInstanceID,
			Action:            interpreter.ActionResumeFromTimer,
			SubscriptionID:    sub.ID,
		})
	}
	return nil
}

// Cancel cancels the instance: live tokens stop, open tasks close, and the
// instance row survives for audit.
func (r *Runtime) Cancel(ctx context.Context, processInstanceID, reason string) error {
	return r.disp.SubmitAndWait(ctx, interpreter.WorkItem{
		ProcessInstanceID: processInstanceID,
		Action:            interpreter.ActionCancel,
		Reason:            reason,
	})
}

// TriggerCompensation replays the instance's registered compensation
// handlers, newest registration first, optionally narrowed to one
// activity.
func (r *Runtime) TriggerCompensation(ctx context.Context, processInstanceID, activityID string) error {
	return r.disp.SubmitAndWait(ctx, interpreter.WorkItem{
		ProcessInstanceID: processInstanceID,
		Action:            interpreter.ActionCompensate,
		ActivityID:        activityID,
	})
}

// ResolveIncident closes the execution's open incidents, grants the
// element a fresh retry budget and re-dispatches the execution.
func (r *Runtime) ResolveIncident(ctx context.Context, executionID string) error {
	var item interpreter.WorkItem
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
		exec, err := tx.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.State != instance.ExecFailed {
			return engine.Errorf(engine.KindConflict, "execution %s is %s, not FAILED", exec.ID, exec.State)
		}
		incidents, err := tx.Incidents().ByInstance(ctx, exec.ProcessInstanceID)
		if err != nil {
			return err
		}
		now := r.clock.Now()
		for _, inc := range incidents {
			if inc.ExecutionID != exec.ID || !inc.ResolvedAt.IsZero() {
				continue
			}
			inc.ResolvedAt = now
			if err := tx.Incidents().Update(ctx, inc); err != nil {
				return err
			}
			err := r.append(ctx, tx, &outbox.Event{
				Type:              outbox.IncidentResolved,
				ProcessInstanceID: exec.ProcessInstanceID,
				ExecutionID:       exec.ID,
				ActivityID:        exec.ElementID,
			}, outbox.IncidentPayload{IncidentID: inc.ID, Code: inc.Code, Message: inc.Message})
			if err != nil {
				return err
			}
		}
		exec.State = instance.ExecReady
		if err := tx.Executions().Update(ctx, exec); err != nil {
			return err
		}
		item = interpreter.WorkItem{
			ProcessInstanceID: exec.ProcessInstanceID,
			Action:            interpreter.ActionContinue,
			ExecutionID:       exec.ID,
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.interp.ResetAttempts(executionID)
	r.disp.Submit(item)
	return nil
}

// EmitCustom appends an application event to the instance's outbox row
// stream. It publishes on the custom.<eventCode> topic with the same
// at-least-once guarantees as lifecycle events.
func (r *Runtime) EmitCustom(ctx context.Context, processInstanceID, eventCode string, payload map[string]any) error {
	if eventCode == "" {
		return engine.Errorf(engine.KindValidation, "event code is required")
	}
	if _, err := r.store.Instances().Get(ctx, processInstanceID); err != nil {
		return err
	}
	return r.store.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
		return r.append(ctx, tx, &outbox.Event{
			Type:              outbox.Custom,
			EventCode:         eventCode,
			ProcessInstanceID: processInstanceID,
		}, payload)
	})
}

func (r *Runtime) append(ctx context.Context, tx store.TxSet, ev *outbox.Event, payload any) error {
	data, err := outbox.MarshalPayload(payload)
	if err != nil {
		return err
	}
	ev.Payload = data
	return r.appender.Append(ctx, tx.Outbox(), ev)
}

func (r *Runtime) instancePayload(inst *instance.Instance, reason string) outbox.InstancePayload {
	return outbox.InstancePayload{
		DefinitionID:  inst.DefinitionID,
		DefinitionKey: inst.DefinitionKey,
		Version:       inst.Version,
		BusinessKey:   inst.BusinessKey,
		TenantID:      inst.TenantID,
		State:         string(inst.State),
		Reason:        reason,
	}
}
