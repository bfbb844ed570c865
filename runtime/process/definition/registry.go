package definition

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/engine"
)

type (
	// Registry is the in-memory index of deployed definitions. Every engine
	// component resolves definitions through it; the persistent store only
	// holds documents for rehydration after restart.
	Registry struct {
		mu    sync.RWMutex
		byID  map[string]*Definition
		byKey map[string][]*Definition
	}

	// EventStart pairs a definition with one of its top-level event start
	// events. The timer poller and the event router scan these to start new
	// instances.
	EventStart struct {
		Definition *Definition
		Start      *Element
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]*Definition),
		byKey: make(map[string][]*Definition),
	}
}

// Deploy registers a new version of the definition's key. It assigns a fresh
// ID and the next version number. The definition must already be validated.
func (r *Registry) Deploy(d *Definition) *Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = uuid.NewString()
	d.Version = 1
	if versions := r.byKey[d.Key]; len(versions) > 0 {
		d.Version = versions[len(versions)-1].Version + 1
	}
	r.byID[d.ID] = d
	r.byKey[d.Key] = append(r.byKey[d.Key], d)
	return d
}

// Register inserts an already-versioned definition, typically rehydrated
// from the store at startup. Registering the same ID twice is a no-op.
func (r *Registry) Register(d *Definition) error {
	if d.ID == "" || d.Version < 1 {
		return engine.Errorf(engine.KindValidation, "definition %q is missing its deployment identity", d.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.ID]; ok {
		return nil
	}
	r.byID[d.ID] = d
	versions := append(r.byKey[d.Key], d)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	r.byKey[d.Key] = versions
	return nil
}

// ByID returns the definition deployed under the given ID.
func (r *Registry) ByID(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "process definition %q not found", id)
	}
	return d, nil
}

// Latest returns the highest deployed version of the key.
func (r *Registry) Latest(key string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.byKey[key]
	if len(versions) == 0 {
		return nil, engine.Errorf(engine.KindNotFound, "no definition deployed for key %q", key)
	}
	return versions[len(versions)-1], nil
}

// Version returns one specific deployed version of the key.
func (r *Registry) Version(key string, version int) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.byKey[key] {
		if d.Version == version {
			return d, nil
		}
	}
	return nil, engine.Errorf(engine.KindNotFound, "definition %q has no version %d", key, version)
}

// Keys returns the deployed keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StartsByEvent returns, for the latest version of every key, the top-level
// start events of the given kind. Older versions never start new instances.
func (r *Registry) StartsByEvent(kind EventKind) []EventStart {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var starts []EventStart
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		versions := r.byKey[k]
		d := versions[len(versions)-1]
		for _, s := range d.StartEvents("") {
			if s.Event == kind {
				starts = append(starts, EventStart{Definition: d, Start: s})
			}
		}
	}
	return starts
}
