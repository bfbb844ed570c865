package inmem

import (
	"context"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/task"
)

type taskRepo struct {
	s  *Store
	tx bool
}

// Create implements task.Repository.
func (r *taskRepo) Create(_ context.Context, t *task.Task) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.tasks[t.ID]; ok {
		return engine.Errorf(engine.KindConflict, "task %s already exists", t.ID)
	}
	d.tasks[t.ID] = *t
	d.stamp("task", t.ID)
	return nil
}

// Get implements task.Repository.
func (r *taskRepo) Get(_ context.Context, id string) (*task.Task, error) {
	defer r.s.enter(r.tx)()
	t, ok := r.s.d.tasks[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "task %s not found", id)
	}
	return &t, nil
}

// Update implements task.Repository.
func (r *taskRepo) Update(_ context.Context, t *task.Task) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.tasks[t.ID]; !ok {
		return engine.Errorf(engine.KindNotFound, "task %s not found", t.ID)
	}
	d.tasks[t.ID] = *t
	return nil
}

// Delete implements task.Repository.
func (r *taskRepo) Delete(_ context.Context, id string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.tasks[id]; !ok {
		return engine.Errorf(engine.KindNotFound, "task %s not found", id)
	}
	delete(d.tasks, id)
	d.unstamp("task", id)
	return nil
}

// ByInstance implements task.Repository.
func (r *taskRepo) ByInstance(_ context.Context, processInstanceID string) ([]*task.Task, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*task.Task
	for _, t := range d.tasks {
		if t.ProcessInstanceID != processInstanceID {
			continue
		}
		rec := t
		out = append(out, &rec)
	}
	sortBySeq(out, func(t *task.Task) int64 { return d.seqOf("task", t.ID) })
	return out, nil
}

// List implements task.Repository.
func (r *taskRepo) List(_ context.Context, filter task.Filter) ([]*task.Task, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*task.Task
	for _, t := range d.tasks {
		if filter.ProcessInstanceID != "" && t.ProcessInstanceID != filter.ProcessInstanceID {
			continue
		}
		if filter.Assignee != "" && t.Assignee != filter.Assignee {
			continue
		}
		if len(filter.States) > 0 && !containsTaskState(filter.States, t.State) {
			continue
		}
		rec := t
		out = append(out, &rec)
	}
	sortBySeq(out, func(t *task.Task) int64 { return d.seqOf("task", t.ID) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsTaskState(states []task.State, st task.State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}
