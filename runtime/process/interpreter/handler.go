package interpreter

import (
	"context"
	"sync"

	"goa.design/flow/runtime/process/engine"
)

type (
	// Handler implements a service task. Synchronous handlers run inside the
	// work unit and return the variables to merge into the task's scope. For
	// asynchronous tasks Call.Done is non-nil and the handler reports its
	// result through it later; the synchronous return values are ignored.
	//
	// A returned error carrying a BPMN code (engine.BPMN) is thrown as a
	// business error; any other error consumes the element's retry budget
	// and raises an incident once the budget is spent.
	Handler func(ctx context.Context, call *Call) (map[string]any, error)

	// Call carries the context of one service task invocation.
	Call struct {
		ProcessInstanceID string
		ExecutionID       string
		ElementID         string
		// Implementation is the handler key from the definition.
		Implementation string
		// Variables is the merged view visible from the task's scope at
		// invocation time.
		Variables map[string]any
		// Done completes an asynchronous task. It is safe to call from any
		// goroutine and must be called exactly once.
		Done func(outputs map[string]any, err error)
	}

	// HandlerRegistry maps implementation keys to service task handlers.
	HandlerRegistry struct {
		mu    sync.RWMutex
		byKey map[string]Handler
	}
)

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byKey: make(map[string]Handler)}
}

// Register binds the handler to the implementation key. Re-registering a key
// replaces the previous handler.
func (r *HandlerRegistry) Register(key string, h Handler) error {
	if key == "" {
		return engine.Errorf(engine.KindValidation, "handler key is required")
	}
	if h == nil {
		return engine.Errorf(engine.KindValidation, "handler %q is nil", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key] = h
	return nil
}

// Lookup returns the handler bound to the key.
func (r *HandlerRegistry) Lookup(key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byKey[key]
	return h, ok
}

// Keys returns the registered implementation keys in no particular order.
func (r *HandlerRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}
