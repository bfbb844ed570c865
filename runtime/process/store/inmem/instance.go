package inmem

import (
	"context"
	"sort"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/instance"
)

type (
	instanceRepo struct {
		s  *Store
		tx bool
	}

	executionRepo struct {
		s  *Store
		tx bool
	}

	incidentRepo struct {
		s  *Store
		tx bool
	}
)

// Create implements instance.Repository.
func (r *instanceRepo) Create(_ context.Context, inst *instance.Instance) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.instances[inst.ID]; ok {
		return engine.Errorf(engine.KindConflict, "instance %s already exists", inst.ID)
	}
	d.instances[inst.ID] = *inst
	d.stamp("inst", inst.ID)
	return nil
}

// Get implements instance.Repository.
func (r *instanceRepo) Get(_ context.Context, id string) (*instance.Instance, error) {
	defer r.s.enter(r.tx)()
	inst, ok := r.s.d.instances[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "instance %s not found", id)
	}
	return &inst, nil
}

// Update implements instance.Repository.
func (r *instanceRepo) Update(_ context.Context, inst *instance.Instance) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.instances[inst.ID]; !ok {
		return engine.Errorf(engine.KindNotFound, "instance %s not found", inst.ID)
	}
	d.instances[inst.ID] = *inst
	return nil
}

// Delete implements instance.Repository.
func (r *instanceRepo) Delete(_ context.Context, id string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.instances[id]; !ok {
		return engine.Errorf(engine.KindNotFound, "instance %s not found", id)
	}
	delete(d.instances, id)
	d.unstamp("inst", id)
	return nil
}

// List implements instance.Repository.
func (r *instanceRepo) List(_ context.Context, filter instance.Filter) ([]*instance.Instance, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*instance.Instance
	for _, inst := range d.instances {
		if filter.DefinitionKey != "" && inst.DefinitionKey != filter.DefinitionKey {
			continue
		}
		if filter.BusinessKey != "" && inst.BusinessKey != filter.BusinessKey {
			continue
		}
		if filter.TenantID != "" && inst.TenantID != filter.TenantID {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, inst.State) {
			continue
		}
		rec := inst
		out = append(out, &rec)
	}
	sortBySeq(out, func(i *instance.Instance) int64 { return d.seqOf("inst", i.ID) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsState(states []instance.State, st instance.State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

// Create implements instance.ExecutionRepository.
func (r *executionRepo) Create(_ context.Context, exec *instance.Execution) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.executions[exec.ID]; ok {
		return engine.Errorf(engine.KindConflict, "execution %s already exists", exec.ID)
	}
	d.executions[exec.ID] = *exec
	d.stamp("exec", exec.ID)
	return nil
}

// Get implements instance.ExecutionRepository.
func (r *executionRepo) Get(_ context.Context, id string) (*instance.Execution, error) {
	defer r.s.enter(r.tx)()
	exec, ok := r.s.d.executions[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "execution %s not found", id)
	}
	return &exec, nil
}

// Update implements instance.ExecutionRepository.
func (r *executionRepo) Update(_ context.Context, exec *instance.Execution) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.executions[exec.ID]; !ok {
		return engine.Errorf(engine.KindNotFound, "execution %s not found", exec.ID)
	}
	d.executions[exec.ID] = *exec
	return nil
}

// Delete implements instance.ExecutionRepository.
func (r *executionRepo) Delete(_ context.Context, id string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.executions[id]; !ok {
		return engine.Errorf(engine.KindNotFound, "execution %s not found", id)
	}
	delete(d.executions, id)
	d.unstamp("exec", id)
	return nil
}

// ByInstance implements instance.ExecutionRepository.
func (r *executionRepo) ByInstance(_ context.Context, processInstanceID string) ([]*instance.Execution, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*instance.Execution
	for _, exec := range d.executions {
		if exec.ProcessInstanceID != processInstanceID {
			continue
		}
		rec := exec
		out = append(out, &rec)
	}
	sortBySeq(out, func(e *instance.Execution) int64 { return d.seqOf("exec", e.ID) })
	return out, nil
}

// AtElement implements instance.ExecutionRepository.
func (r *executionRepo) AtElement(_ context.Context, processInstanceID, elementID string) ([]*instance.Execution, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*instance.Execution
	for _, exec := range d.executions {
		if exec.ProcessInstanceID != processInstanceID || exec.ElementID != elementID {
			continue
		}
		rec := exec
		out = append(out, &rec)
	}
	sortBySeq(out, func(e *instance.Execution) int64 { return d.seqOf("exec", e.ID) })
	return out, nil
}

// Create implements instance.IncidentRepository.
func (r *incidentRepo) Create(_ context.Context, inc *instance.Incident) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.incidents[inc.ID]; ok {
		return engine.Errorf(engine.KindConflict, "incident %s already exists", inc.ID)
	}
	d.incidents[inc.ID] = *inc
	d.stamp("incd", inc.ID)
	return nil
}

// Get implements instance.IncidentRepository.
func (r *incidentRepo) Get(_ context.Context, id string) (*instance.Incident, error) {
	defer r.s.enter(r.tx)()
	inc, ok := r.s.d.incidents[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "incident %s not found", id)
	}
	return &inc, nil
}

// Update implements instance.IncidentRepository.
func (r *incidentRepo) Update(_ context.Context, inc *instance.Incident) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.incidents[inc.ID]; !ok {
		return engine.Errorf(engine.KindNotFound, "incident %s not found", inc.ID)
	}
	d.incidents[inc.ID] = *inc
	return nil
}

// ByInstance implements instance.IncidentRepository.
func (r *incidentRepo) ByInstance(_ context.Context, processInstanceID string) ([]*instance.Incident, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*instance.Incident
	for _, inc := range d.incidents {
		if inc.ProcessInstanceID != processInstanceID {
			continue
		}
		rec := inc
		out = append(out, &rec)
	}
	sortBySeq(out, func(i *instance.Incident) int64 { return d.seqOf("incd", i.ID) })
	return out, nil
}

// Open implements instance.IncidentRepository.
func (r *incidentRepo) Open(_ context.Context, limit int) ([]*instance.Incident, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*instance.Incident
	for _, inc := range d.incidents {
		if inc.Resolved() {
			continue
		}
		rec := inc
		out = append(out, &rec)
	}
	sortBySeq(out, func(i *instance.Incident) int64 { return d.seqOf("incd", i.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortBySeq orders rows by insertion sequence.
func sortBySeq[T any](rows []*T, seq func(*T) int64) {
	sort.Slice(rows, func(i, j int) bool {
		return seq(rows[i]) < seq(rows[j])
	})
}
