package inmem

import (
	"bytes"
	"context"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/scope"
)

type (
	scopeRepo struct {
		s  *Store
		tx bool
	}

	variableRepo struct {
		s  *Store
		tx bool
	}
)

// Create implements scope.Repository.
func (r *scopeRepo) Create(_ context.Context, sc *scope.Scope) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.scopes[sc.ID]; ok {
		return engine.Errorf(engine.KindConflict, "scope %s already exists", sc.ID)
	}
	d.scopes[sc.ID] = *sc
	d.stamp("scop", sc.ID)
	return nil
}

// Get implements scope.Repository.
func (r *scopeRepo) Get(_ context.Context, id string) (*scope.Scope, error) {
	defer r.s.enter(r.tx)()
	sc, ok := r.s.d.scopes[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "scope %s not found", id)
	}
	return &sc, nil
}

// Update implements scope.Repository.
func (r *scopeRepo) Update(_ context.Context, sc *scope.Scope) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	if _, ok := d.scopes[sc.ID]; !ok {
		return engine.Errorf(engine.KindNotFound, "scope %s not found", sc.ID)
	}
	d.scopes[sc.ID] = *sc
	return nil
}

// ChildrenOf implements scope.Repository.
func (r *scopeRepo) ChildrenOf(_ context.Context, scopeID string) ([]*scope.Scope, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*scope.Scope
	for _, sc := range d.scopes {
		if sc.ParentID != scopeID {
			continue
		}
		rec := sc
		out = append(out, &rec)
	}
	sortBySeq(out, func(s *scope.Scope) int64 { return d.seqOf("scop", s.ID) })
	return out, nil
}

// ByInstance implements scope.Repository.
func (r *scopeRepo) ByInstance(_ context.Context, processInstanceID string) ([]*scope.Scope, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*scope.Scope
	for _, sc := range d.scopes {
		if sc.ProcessInstanceID != processInstanceID {
			continue
		}
		rec := sc
		out = append(out, &rec)
	}
	sortBySeq(out, func(s *scope.Scope) int64 { return d.seqOf("scop", s.ID) })
	return out, nil
}

// Upsert implements scope.VariableRepository.
func (r *variableRepo) Upsert(_ context.Context, v *scope.Variable) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	key := varKey(v.ScopeID, v.Name)
	rec := *v
	rec.Value = bytes.Clone(v.Value)
	if _, ok := d.variables[key]; !ok {
		d.stamp("var", key)
	}
	d.variables[key] = rec
	return nil
}

// Get implements scope.VariableRepository.
func (r *variableRepo) Get(_ context.Context, scopeID, name string) (*scope.Variable, error) {
	defer r.s.enter(r.tx)()
	v, ok := r.s.d.variables[varKey(scopeID, name)]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "variable %s not found in scope %s", name, scopeID)
	}
	v.Value = bytes.Clone(v.Value)
	return &v, nil
}

// ByScope implements scope.VariableRepository.
func (r *variableRepo) ByScope(_ context.Context, scopeID string) ([]*scope.Variable, error) {
	defer r.s.enter(r.tx)()
	d := r.s.d
	var out []*scope.Variable
	for _, v := range d.variables {
		if v.ScopeID != scopeID {
			continue
		}
		rec := v
		rec.Value = bytes.Clone(v.Value)
		out = append(out, &rec)
	}
	sortBySeq(out, func(v *scope.Variable) int64 { return d.seqOf("var", varKey(v.ScopeID, v.Name)) })
	return out, nil
}

// Delete implements scope.VariableRepository.
func (r *variableRepo) Delete(_ context.Context, scopeID, name string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	key := varKey(scopeID, name)
	if _, ok := d.variables[key]; !ok {
		return engine.Errorf(engine.KindNotFound, "variable %s not found in scope %s", name, scopeID)
	}
	delete(d.variables, key)
	d.unstamp("var", key)
	return nil
}

// DeleteByScope implements scope.VariableRepository.
func (r *variableRepo) DeleteByScope(_ context.Context, scopeID string) error {
	defer r.s.enter(r.tx)()
	d := r.s.d
	for key, v := range d.variables {
		if v.ScopeID == scopeID {
			delete(d.variables, key)
			d.unstamp("var", key)
		}
	}
	return nil
}
