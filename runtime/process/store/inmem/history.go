package inmem

import (
	"context"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/history"
)

type (
	histProcRepo struct {
		s  *Store
		tx bool
	}

	histActRepo struct {
		s  *Store
		tx bool
	}

	histTaskRepo struct {
		s  *Store
		tx bool
	}
)

// Insert implements history.ProcessRepository.
func (r *histProcRepo) Insert(_ context.Context, rec *history.ProcessRecord) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.histProcs[rec.ProcessInstanceID]; ok {
		return engine.Errorf(engine.KindConflict, "process record %s already exists", rec.ProcessInstanceID)
	}
	d.histProcs[rec.ProcessInstanceID] = *rec
	d.stamp("hproc", rec.ProcessInstanceID)
	return nil
}

// Get implements history.ProcessRepository.
func (r *histProcRepo) Get(_ context.Context, processInstanceID string) (*history.ProcessRecord, error) {
	defer r.s.enter(r.tx)()
	rec, ok := r.s.d.histProcs[processInstanceID]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "process record %s not found", processInstanceID)
	}
	return &rec, nil
}

// Update implements history.ProcessRepository.
func (r *histProcRepo) Update(_ context.Context, rec *history.ProcessRecord) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.histProcs[rec.ProcessInstanceID]; !ok {
		return engine.Errorf(engine.KindNotFound, "process record %s not found", rec.ProcessInstanceID)
	}
	d.histProcs[rec.ProcessInstanceID] = *rec
	return nil
}

// Delete implements history.ProcessRepository.
func (r *histProcRepo) Delete(_ context.Context, processInstanceID string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.histProcs[processInstanceID]; !ok {
		return engine.Errorf(engine.KindNotFound, "process record %s not found", processInstanceID)
	}
	delete(d.histProcs, processInstanceID)
	d.unstamp("hproc", processInstanceID)
	return nil
}

// List implements history.ProcessRepository.
func (r *histProcRepo) List(_ context.Context, definitionKey string, limit int) ([]*history.ProcessRecord, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*history.ProcessRecord
	for _, rec := range d.histProcs {
		if definitionKey != "" && rec.DefinitionKey != definitionKey {
			continue
		}
		cp := rec
		out = append(out, &cp)
	}
	sortBySeq(out, func(p *history.ProcessRecord) int64 { return d.seqOf("hproc", p.ProcessInstanceID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Insert implements history.ActivityRepository.
func (r *histActRepo) Insert(_ context.Context, rec *history.ActivityRecord) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.histActs[rec.ID]; ok {
		return engine.Errorf(engine.KindConflict, "activity record %s already exists", rec.ID)
	}
	d.histActs[rec.ID] = *rec
	d.stamp("hact", rec.ID)
	return nil
}

// Update implements history.ActivityRepository.
func (r *histActRepo) Update(_ context.Context, rec *history.ActivityRecord) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.histActs[rec.ID]; !ok {
		return engine.Errorf(engine.KindNotFound, "activity record %s not found", rec.ID)
	}
	d.histActs[rec.ID] = *rec
	return nil
}

// Open implements history.ActivityRepository. With several passes through
// the same element it returns the newest open record.
func (r *histActRepo) Open(_ context.Context, executionID, elementID string) (*history.ActivityRecord, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var (
		found *history.ActivityRecord
		best  int64
	)
	for _, rec := range d.histActs {
		if rec.ExecutionID != executionID || rec.ElementID != elementID || !rec.EndTime.IsZero() {
			continue
		}
		if seq := d.seqOf("hact", rec.ID); found == nil || seq > best {
			cp := rec
			found, best = &cp, seq
		}
	}
	if found == nil {
		return nil, engine.Errorf(engine.KindNotFound, "no open activity record for execution %s at %s", executionID, elementID)
	}
	return found, nil
}

// ByInstance implements history.ActivityRepository.
func (r *histActRepo) ByInstance(_ context.Context, processInstanceID string) ([]*history.ActivityRecord, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*history.ActivityRecord
	for _, rec := range d.histActs {
		if rec.ProcessInstanceID != processInstanceID {
			continue
		}
		cp := rec
		out = append(out, &cp)
	}
	sortBySeq(out, func(a *history.ActivityRecord) int64 { return d.seqOf("hact", a.ID) })
	return out, nil
}

// DeleteByInstance implements history.ActivityRepository.
func (r *histActRepo) DeleteByInstance(_ context.Context, processInstanceID string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	for id, rec := range d.histActs {
		if rec.ProcessInstanceID == processInstanceID {
			delete(d.histActs, id)
			d.unstamp("hact", id)
		}
	}
	return nil
}

// Insert implements history.TaskRepository.
func (r *histTaskRepo) Insert(_ context.Context, rec *history.TaskRecord) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.histTasks[rec.TaskID]; ok {
		return engine.Errorf(engine.KindConflict, "task record %s already exists", rec.TaskID)
	}
	d.histTasks[rec.TaskID] = *rec
	d.stamp("htask", rec.TaskID)
	return nil
}

// Get implements history.TaskRepository.
func (r *histTaskRepo) Get(_ context.Context, taskID string) (*history.TaskRecord, error) {
	defer r.s.enter(r.tx)()
	rec, ok := r.s.d.histTasks[taskID]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "task record %s not found", taskID)
	}
	return &rec, nil
}

// Update implements history.TaskRepository.
func (r *histTaskRepo) Update(_ context.Context, rec *history.TaskRecord) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.histTasks[rec.TaskID]; !ok {
		return engine.Errorf(engine.KindNotFound, "task record %s not found", rec.TaskID)
	}
	d.histTasks[rec.TaskID] = *rec
	return nil
}

// ByInstance implements history.TaskRepository.
func (r *histTaskRepo) ByInstance(_ context.Context, processInstanceID string) ([]*history.TaskRecord, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*history.TaskRecord
	for _, rec := range d.histTasks {
		if rec.ProcessInstanceID != processInstanceID {
			continue
		}
		cp := rec
		out = append(out, &cp)
	}
	sortBySeq(out, func(t *history.TaskRecord) int64 { return d.seqOf("htask", t.TaskID) })
	return out, nil
}

// DeleteByInstance implements history.TaskRepository.
func (r *histTaskRepo) DeleteByInstance(_ context.Context, processInstanceID string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	for id, rec := range d.histTasks {
		if rec.ProcessInstanceID == processInstanceID {
			delete(d.histTasks, id)
			d.unstamp("htask", id)
		}
	}
	return nil
}
