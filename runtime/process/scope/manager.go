package scope

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/engine"
)

// Manager operates on the scope tree of process instances. It is stateless;
// all state lives in the repositories, so one manager serves every instance.
type Manager struct {
	scopes Repository
	vars   VariableRepository
	clock  clock.Clock
}

// NewManager wires a manager over its repositories.
func NewManager(scopes Repository, vars VariableRepository, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{scopes: scopes, vars: vars, clock: clk}
}

// CreateScope appends a child scope. An empty parent creates the root scope
// of the instance.
func (m *Manager) CreateScope(ctx context.Context, processInstanceID, parentID string, kind Kind, elementID string) (*Scope, error) {
	if parentID != "" {
		parent, err := m.scopes.Get(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if !parent.Active {
			return nil, engine.Errorf(engine.KindConflict, "scope %s is destroyed", parentID)
		}
		if parent.ProcessInstanceID != processInstanceID {
			return nil, engine.Errorf(engine.KindConflict, "scope %s belongs to another instance", parentID)
		}
	}
	s := &Scope{
		ID:                uuid.NewString(),
		ProcessInstanceID: processInstanceID,
		ParentID:          parentID,
		Kind:              kind,
		ElementID:         elementID,
		Active:            true,
		CreateTime:        m.clock.Now(),
	}
	if err := m.scopes.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// SetVariable writes the value to the scope that already declares the name
// along the path to the root, or to the given scope when no ancestor does.
func (m *Manager) SetVariable(ctx context.Context, scopeID, name string, value any) error {
	target := scopeID
	path, err := m.path(ctx, scopeID)
	if err != nil {
		return err
	}
	if !path[0].Active {
		return engine.Errorf(engine.KindConflict, "scope %s is destroyed", scopeID)
	}
	for _, s := range path {
		if _, err := m.vars.Get(ctx, s.ID, name); err == nil {
			target = s.ID
			break
		} else if engine.KindOf(err) != engine.KindNotFound {
			return err
		}
	}
	return m.setLocal(ctx, target, name, value)
}

// SetVariables applies the map through SetVariable in name order so
// repeated runs touch scopes deterministically.
func (m *Manager) SetVariables(ctx context.Context, scopeID string, values map[string]any) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.SetVariable(ctx, scopeID, name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

// SetLocal writes the value directly to the scope, shadowing any ancestor
// declaration of the same name.
func (m *Manager) SetLocal(ctx context.Context, scopeID, name string, value any) error {
	s, err := m.scopes.Get(ctx, scopeID)
	if err != nil {
		return err
	}
	if !s.Active {
		return engine.Errorf(engine.KindConflict, "scope %s is destroyed", scopeID)
	}
	return m.setLocal(ctx, scopeID, name, value)
}

func (m *Manager) setLocal(ctx context.Context, scopeID, name string, value any) error {
	v, err := Encode(scopeID, name, value)
	if err != nil {
		return err
	}
	return m.vars.Upsert(ctx, v)
}

// GetVariable resolves the name from the scope towards the root. The second
// return value reports whether any scope on the path declares it.
func (m *Manager) GetVariable(ctx context.Context, scopeID, name string) (any, bool, error) {
	path, err := m.path(ctx, scopeID)
	if err != nil {
		return nil, false, err
	}
	for _, s := range path {
		v, err := m.vars.Get(ctx, s.ID, name)
		if err != nil {
			if engine.KindOf(err) == engine.KindNotFound {
				continue
			}
			return nil, false, err
		}
		val, err := v.Decode()
		if err != nil {
			return nil, false, err
		}
		return val, true, nil
	}
	return nil, false, nil
}

// Variables materializes the merged view visible from the scope. Entries
// declared closer to the scope override ancestor entries.
func (m *Manager) Variables(ctx context.Context, scopeID string) (map[string]any, error) {
	path, err := m.path(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any)
	// Walk root first so nearer declarations overwrite.
	for i := len(path) - 1; i >= 0; i-- {
		vars, err := m.vars.ByScope(ctx, path[i].ID)
		if err != nil {
			return nil, err
		}
		for _, v := range vars {
			val, err := v.Decode()
			if err != nil {
				return nil, err
			}
			merged[v.Name] = val
		}
	}
	return merged, nil
}

// DestroyScope recursively destroys the scope and its children, deleting
// their variables. Destroying an already destroyed scope is a no-op.
func (m *Manager) DestroyScope(ctx context.Context, scopeID string) error {
	s, err := m.scopes.Get(ctx, scopeID)
	if err != nil {
		if engine.KindOf(err) == engine.KindNotFound {
			return nil
		}
		return err
	}
	if !s.Active {
		return nil
	}
	children, err := m.scopes.ChildrenOf(ctx, scopeID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := m.DestroyScope(ctx, c.ID); err != nil {
			return err
		}
	}
	if err := m.vars.DeleteByScope(ctx, scopeID); err != nil {
		return err
	}
	s.Active = false
	return m.scopes.Update(ctx, s)
}

// CopyVariables shallow-copies variables visible from src into dst. With no
// names it copies the whole merged view; otherwise only the named variables
// that resolve.
func (m *Manager) CopyVariables(ctx context.Context, src, dst string, names ...string) error {
	if len(names) == 0 {
		merged, err := m.Variables(ctx, src)
		if err != nil {
			return err
		}
		ordered := make([]string, 0, len(merged))
		for name := range merged {
			ordered = append(ordered, name)
		}
		sort.Strings(ordered)
		for _, name := range ordered {
			if err := m.SetLocal(ctx, dst, name, merged[name]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range names {
		val, ok, err := m.GetVariable(ctx, src, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := m.SetLocal(ctx, dst, name, val); err != nil {
			return err
		}
	}
	return nil
}

// path returns the scopes from scopeID to the root, nearest first. A repeat
// visit means the stored tree is corrupt.
func (m *Manager) path(ctx context.Context, scopeID string) ([]*Scope, error) {
	if scopeID == "" {
		return nil, engine.Errorf(engine.KindValidation, "scope id is required")
	}
	var path []*Scope
	seen := make(map[string]bool)
	id := scopeID
	for id != "" {
		if seen[id] {
			return nil, engine.Errorf(engine.KindInternal, "scope tree cycle at %s", id)
		}
		seen[id] = true
		s, err := m.scopes.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		path = append(path, s)
		id = s.ParentID
	}
	return path, nil
}
