package mongo

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/scope"
)

type (
	scopeRepo struct {
		s *Store
	}

	variableRepo struct {
		s *Store
	}

	scopeRow struct {
		ID            string `bson:"_id"`
		Seq           int64  `bson:"seq"`
		scopeDocument `bson:",inline"`
	}

	scopeDocument struct {
		ProcessInstanceID string    `bson:"process_instance_id"`
		ParentID          string    `bson:"parent_id"`
		Kind              string    `bson:"kind"`
		ElementID         string    `bson:"element_id"`
		Active            bool      `bson:"active"`
		CreateTime        time.Time `bson:"create_time"`
	}

	// variableRow is keyed by (scope_id, name) through a unique index; the
	// _id stays a driver-assigned ObjectID and is ignored on decode.
	variableRow struct {
		Seq              int64 `bson:"seq"`
		variableDocument `bson:",inline"`
	}

	variableDocument struct {
		ScopeID string `bson:"scope_id"`
		Name    string `bson:"name"`
		Type    string `bson:"type"`
		Value   []byte `bson:"value"`
	}
)

func fromScope(sc *scope.Scope) scopeDocument {
	return scopeDocument{
		ProcessInstanceID: sc.ProcessInstanceID,
		ParentID:          sc.ParentID,
		Kind:              string(sc.Kind),
		ElementID:         sc.ElementID,
		Active:            sc.Active,
		CreateTime:        sc.CreateTime.UTC(),
	}
}

func (r scopeRow) toScope() *scope.Scope {
	return &scope.Scope{
		ID:                r.ID,
		ProcessInstanceID: r.ProcessInstanceID,
		ParentID:          r.ParentID,
		Kind:              scope.Kind(r.Kind),
		ElementID:         r.ElementID,
		Active:            r.Active,
		CreateTime:        r.CreateTime,
	}
}

// Create implements scope.Repository.
func (r *scopeRepo) Create(ctx context.Context, sc *scope.Scope) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	if _, err := r.s.scopes.InsertOne(ctx, scopeRow{ID: sc.ID, Seq: seq, scopeDocument: fromScope(sc)}); err != nil {
		return insertErr(err, "scope %s already exists", sc.ID)
	}
	return nil
}

// Get implements scope.Repository.
func (r *scopeRepo) Get(ctx context.Context, id string) (*scope.Scope, error) {
	var row scopeRow
	if err := r.s.scopes.FindOne(ctx, bson.M{"_id": id}).Decode(&row); err != nil {
		return nil, loadErr(err, "scope %s not found", id)
	}
	return row.toScope(), nil
}

// Update implements scope.Repository.
func (r *scopeRepo) Update(ctx context.Context, sc *scope.Scope) error {
	res, err := r.s.scopes.UpdateOne(ctx, bson.M{"_id": sc.ID}, bson.M{"$set": fromScope(sc)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update scope", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "scope %s not found", sc.ID)
	}
	return nil
}

// ChildrenOf implements scope.Repository.
func (r *scopeRepo) ChildrenOf(ctx context.Context, scopeID string) ([]*scope.Scope, error) {
	return r.list(ctx, bson.M{"parent_id": scopeID})
}

// ByInstance implements scope.Repository.
func (r *scopeRepo) ByInstance(ctx context.Context, processInstanceID string) ([]*scope.Scope, error) {
	return r.list(ctx, bson.M{"process_instance_id": processInstanceID})
}

func (r *scopeRepo) list(ctx context.Context, query bson.M) ([]*scope.Scope, error) {
	cur, err := r.s.scopes.Find(ctx, query, options.Find().SetSort(seqAsc))
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list scopes", err)
	}
	rows, err := decodeAll[scopeRow](ctx, cur, "list scopes")
	if err != nil {
		return nil, err
	}
	out := make([]*scope.Scope, len(rows))
	for i, row := range rows {
		out[i] = row.toScope()
	}
	return out, nil
}

func fromVariable(v *scope.Variable) variableDocument {
	return variableDocument{
		ScopeID: v.ScopeID,
		Name:    v.Name,
		Type:    string(v.Type),
		Value:   append([]byte(nil), v.Value...),
	}
}

func (r variableRow) toVariable() *scope.Variable {
	return &scope.Variable{
		ScopeID: r.ScopeID,
		Name:    r.Name,
		Type:    scope.ValueType(r.Type),
		Value:   json.RawMessage(append([]byte(nil), r.Value...)),
	}
}

// Upsert implements scope.VariableRepository. The sequence is drawn up
// front and applied only on insert, so rewrites keep their original
// position in ByScope listings.
func (r *variableRepo) Upsert(ctx context.Context, v *scope.Variable) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	_, err = r.s.variables.UpdateOne(ctx,
		bson.M{"scope_id": v.ScopeID, "name": v.Name},
		bson.M{"$set": fromVariable(v), "$setOnInsert": bson.M{"seq": seq}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return engine.Wrap(engine.KindInternal, "upsert variable", err)
	}
	return nil
}

// Get implements scope.VariableRepository.
func (r *variableRepo) Get(ctx context.Context, scopeID, name string) (*scope.Variable, error) {
	var row variableRow
	if err := r.s.variables.FindOne(ctx, bson.M{"scope_id": scopeID, "name": name}).Decode(&row); err != nil {
		return nil, loadErr(err, "variable %s not found in scope %s", name, scopeID)
	}
	return row.toVariable(), nil
}

// ByScope implements scope.VariableRepository.
func (r *variableRepo) ByScope(ctx context.Context, scopeID string) ([]*scope.Variable, error) {
	cur, err := r.s.variables.Find(ctx, bson.M{"scope_id": scopeID}, options.Find().SetSort(seqAsc))
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list variables", err)
	}
	rows, err := decodeAll[variableRow](ctx, cur, "list variables")
	if err != nil {
		return nil, err
	}
	out := make([]*scope.Variable, len(rows))
	for i, row := range rows {
		out[i] = row.toVariable()
	}
	return out, nil
}

// Delete implements scope.VariableRepository.
func (r *variableRepo) Delete(ctx context.Context, scopeID, name string) error {
	res, err := r.s.variables.DeleteOne(ctx, bson.M{"scope_id": scopeID, "name": name})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "delete variable", err)
	}
	if res.DeletedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "variable %s not found in scope %s", name, scopeID)
	}
	return nil
}

// DeleteByScope implements scope.VariableRepository.
func (r *variableRepo) DeleteByScope(ctx context.Context, scopeID string) error {
	if _, err := r.s.variables.DeleteMany(ctx, bson.M{"scope_id": scopeID}); err != nil {
		return engine.Wrap(engine.KindInternal, "delete scope variables", err)
	}
	return nil
}
