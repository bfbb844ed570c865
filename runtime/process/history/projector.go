package history

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/telemetry"
)

// Record states.
const (
	StateStarted   = "STARTED"
	StateCreated   = "CREATED"
	StateClaimed   = "CLAIMED"
	StateCompleted = "COMPLETED"
	StateCancelled = "CANCELLED"
)

type (
	// ProjectorOptions configures a Projector.
	ProjectorOptions struct {
		// Processes, Activities and Tasks are the history repositories.
		// All three are required.
		Processes  ProcessRepository
		Activities ActivityRepository
		Tasks      TaskRepository
		// Instances is required; purging history deletes the ended
		// instance row with it.
		Instances instance.Repository
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Projector folds the lifecycle event stream into history records.
	// Subscribe its Handle method on the bus with the "*" pattern. Handle
	// is idempotent, which redelivery of outbox rows requires.
	Projector struct {
		processes  ProcessRepository
		activities ActivityRepository
		tasks      TaskRepository
		instances  instance.Repository
		logger     telemetry.Logger
	}
)

// NewProjector validates the options and returns a projector.
func NewProjector(opts ProjectorOptions) (*Projector, error) {
	if opts.Processes == nil {
		return nil, errors.New("process repository is required")
	}
	if opts.Activities == nil {
		return nil, errors.New("activity repository is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("task repository is required")
	}
	if opts.Instances == nil {
		return nil, errors.New("instance repository is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Projector{
		processes:  opts.Processes,
		activities: opts.Activities,
		tasks:      opts.Tasks,
		instances:  opts.Instances,
		logger:     opts.Logger,
	}, nil
}

// Handle applies one lifecycle event to the history records. Event types
// that do not project are ignored.
func (p *Projector) Handle(ctx context.Context, _ string, ev *outbox.Event) error {
	switch ev.Type {
	case outbox.ProcessInstanceStart:
		return p.processStarted(ctx, ev)
	case outbox.ProcessInstanceEnd, outbox.ProcessInstanceCancelled,
		outbox.ProcessInstanceSuspended, outbox.ProcessInstanceResumed:
		return p.processTransition(ctx, ev)
	case outbox.ActivityStarted:
		return p.activityStarted(ctx, ev)
	case outbox.ActivityCompleted:
		return p.activityEnded(ctx, ev, StateCompleted)
	case outbox.ActivityCancelled:
		return p.activityEnded(ctx, ev, StateCancelled)
	case outbox.CompensationCompleted:
		// Compensation handlers announce themselves as activities; their
		// completion arrives under the compensation type.
		return p.activityEnded(ctx, ev, StateCompleted)
	case outbox.TaskCreated:
		return p.taskCreated(ctx, ev)
	case outbox.TaskClaimed:
		return p.taskTransition(ctx, ev, StateClaimed)
	case outbox.TaskCompleted:
		return p.taskTransition(ctx, ev, StateCompleted)
	default:
		return nil
	}
}

func (p *Projector) processStarted(ctx context.Context, ev *outbox.Event) error {
	var pl outbox.InstancePayload
	if err := decodePayload(ev, &pl); err != nil {
		return err
	}
	rec := &ProcessRecord{
		ProcessInstanceID: ev.ProcessInstanceID,
		DefinitionID:      pl.DefinitionID,
		DefinitionKey:     pl.DefinitionKey,
		Version:           pl.Version,
		BusinessKey:       pl.BusinessKey,
		TenantID:          pl.TenantID,
		State:             pl.State,
		StartTime:         ev.CreateTime,
	}
	if err := p.processes.Insert(ctx, rec); err != nil && engine.KindOf(err) != engine.KindConflict {
		return err
	}
	return nil
}

func (p *Projector) processTransition(ctx context.Context, ev *outbox.Event) error {
	var pl outbox.InstancePayload
	if err := decodePayload(ev, &pl); err != nil {
		return err
	}
	rec, err := p.processes.Get(ctx, ev.ProcessInstanceID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			p.logger.Debug(ctx, "history record missing", "process_instance_id", ev.ProcessInstanceID)
			return nil
		}
		return err
	}
	rec.State = pl.State
	if ev.Type != outbox.ProcessInstanceSuspended && ev.Type != outbox.ProcessInstanceResumed {
		rec.EndTime = ev.CreateTime
	}
	return p.processes.Update(ctx, rec)
}

func (p *Projector) activityStarted(ctx context.Context, ev *outbox.Event) error {
	var pl outbox.ActivityPayload
	if err := decodePayload(ev, &pl); err != nil {
		return err
	}
	rec := &ActivityRecord{
		ID:                ev.ID,
		ProcessInstanceID: ev.ProcessInstanceID,
		ExecutionID:       ev.ExecutionID,
		ElementID:         ev.ActivityID,
		ElementKind:       pl.ElementKind,
		Name:              pl.Name,
		State:             StateStarted,
		StartTime:         ev.CreateTime,
	}
	if err := p.activities.Insert(ctx, rec); err != nil && engine.KindOf(err) != engine.KindConflict {
		return err
	}
	return nil
}

func (p *Projector) activityEnded(ctx context.Context, ev *outbox.Event, state string) error {
	rec, err := p.activities.Open(ctx, ev.ExecutionID, ev.ActivityID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return nil
		}
		return err
	}
	rec.State = state
	rec.EndTime = ev.CreateTime
	return p.activities.Update(ctx, rec)
}

func (p *Projector) taskCreated(ctx context.Context, ev *outbox.Event) error {
	var pl outbox.TaskPayload
	if err := decodePayload(ev, &pl); err != nil {
		return err
	}
	rec := &TaskRecord{
		TaskID:            ev.TaskID,
		ProcessInstanceID: ev.ProcessInstanceID,
		ElementID:         pl.ElementID,
		Name:              pl.Name,
		Assignee:          pl.Assignee,
		State:             StateCreated,
		CreateTime:        ev.CreateTime,
	}
	if err := p.tasks.Insert(ctx, rec); err != nil && engine.KindOf(err) != engine.KindConflict {
		return err
	}
	return nil
}

func (p *Projector) taskTransition(ctx context.Context, ev *outbox.Event, state string) error {
	var pl outbox.TaskPayload
	if err := decodePayload(ev, &pl); err != nil {
		return err
	}
	rec, err := p.tasks.Get(ctx, ev.TaskID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return nil
		}
		return err
	}
	rec.State = state
	if pl.Assignee != "" {
		rec.Assignee = pl.Assignee
	}
	switch state {
	case StateClaimed:
		rec.ClaimTime = ev.CreateTime
	case StateCompleted:
		rec.EndTime = ev.CreateTime
	}
	return p.tasks.Update(ctx, rec)
}

// Purge deletes an ended instance's history records and the instance row
// itself. This is the only path that deletes instances; purging a live
// instance is a conflict.
func (p *Projector) Purge(ctx context.Context, processInstanceID string) error {
	inst, err := p.instances.Get(ctx, processInstanceID)
	switch {
	case err == nil:
		if !inst.State.Terminal() {
			return engine.Errorf(engine.KindConflict, "instance %s is still %s", processInstanceID, inst.State)
		}
		if err := p.instances.Delete(ctx, processInstanceID); err != nil {
			return err
		}
	case engine.KindOf(err) == engine.KindNotFound:
		// Already gone; still sweep the records.
	default:
		return err
	}
	if err := p.activities.DeleteByInstance(ctx, processInstanceID); err != nil {
		return err
	}
	if err := p.tasks.DeleteByInstance(ctx, processInstanceID); err != nil {
		return err
	}
	if err := p.processes.Delete(ctx, processInstanceID); err != nil && engine.KindOf(err) != engine.KindNotFound {
		return err
	}
	return nil
}

func decodePayload(ev *outbox.Event, into any) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, into); err != nil {
		return engine.Wrap(engine.KindInternal, "decode event payload", err)
	}
	return nil
}
