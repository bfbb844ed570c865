package inmem

import (
	"context"
	"encoding/json"

	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
)

// definitionRepo stores definition documents marshaled, which isolates the
// store from later mutations of the caller's document.
type definitionRepo struct {
	s *Store
}

// Save implements store.DefinitionRepository.
func (r *definitionRepo) Save(_ context.Context, doc *definition.Document) error {
	defer r.s.enter(false)()
	if doc.ID == "" {
		return engine.Errorf(engine.KindValidation, "document id is required")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return engine.Wrap(engine.KindInternal, "encode definition document", err)
	}
	d := r.s.d
	if _, ok := d.defs[doc.ID]; !ok {
		d.defOrder = append(d.defOrder, doc.ID)
	}
	d.defs[doc.ID] = data
	return nil
}

// Get implements store.DefinitionRepository.
func (r *definitionRepo) Get(_ context.Context, id string) (*definition.Document, error) {
	defer r.s.enter(false)()
	data, ok := r.s.d.defs[id]
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "definition document %s not found", id)
	}
	return decodeDocument(data)
}

// All implements store.DefinitionRepository.
func (r *definitionRepo) All(_ context.Context) ([]*definition.Document, error) {
	defer r.s.enter(false)()
	d := r.s.d
	out := make([]*definition.Document, 0, len(d.defOrder))
	for _, id := range d.defOrder {
		doc, err := decodeDocument(d.defs[id])
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func decodeDocument(data []byte) (*definition.Document, error) {
	var doc definition.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engine.Wrap(engine.KindInternal, "decode definition document", err)
	}
	return &doc, nil
}
