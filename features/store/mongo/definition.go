package mongo

import (
	"context"
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
)

// definitionRepo stores documents as marshaled JSON rather than as BSON
// trees, so the element union round-trips through the document's own JSON
// encoding and the store never needs to understand element kinds.
type definitionRepo struct {
	s *Store
}

type definitionRow struct {
	ID   string `bson:"_id"`
	Seq  int64  `bson:"seq"`
	Data []byte `bson:"data"`
}

// Save implements store.DefinitionRepository. Redeploying an existing ID
// overwrites the document but keeps its original position in All.
func (r *definitionRepo) Save(ctx context.Context, doc *definition.Document) error {
	if doc.ID == "" {
		return engine.Errorf(engine.KindValidation, "document id is required")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return engine.Wrap(engine.KindInternal, "encode definition document", err)
	}
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	_, err = r.s.definitions.UpdateOne(ctx,
		bson.M{"_id": doc.ID},
		bson.M{
			"$set":         bson.M{"data": data},
			"$setOnInsert": bson.M{"seq": seq},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return engine.Wrap(engine.KindInternal, "save definition document", err)
	}
	return nil
}

// Get implements store.DefinitionRepository.
func (r *definitionRepo) Get(ctx context.Context, id string) (*definition.Document, error) {
	var row definitionRow
	if err := r.s.definitions.FindOne(ctx, bson.M{"_id": id}).Decode(&row); err != nil {
		return nil, loadErr(err, "definition document %s not found", id)
	}
	return decodeDocument(row.Data)
}

// All implements store.DefinitionRepository.
func (r *definitionRepo) All(ctx context.Context) ([]*definition.Document, error) {
	cur, err := r.s.definitions.Find(ctx, bson.M{}, options.Find().SetSort(seqAsc))
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list definition documents", err)
	}
	rows, err := decodeAll[definitionRow](ctx, cur, "list definition documents")
	if err != nil {
		return nil, err
	}
	out := make([]*definition.Document, len(rows))
	for i, row := range rows {
		doc, err := decodeDocument(row.Data)
		if err != nil {
			return nil, err
		}
		out[i] = doc
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
