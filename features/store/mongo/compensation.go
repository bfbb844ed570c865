package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/engine"
)

type (
	txScopeRepo struct {
		s *Store
	}

	txScopeRow struct {
		ID              string `bson:"_id"`
		Seq             int64  `bson:"seq"`
		txScopeDocument `bson:",inline"`
	}

	txScopeDocument struct {
		ProcessInstanceID string    `bson:"process_instance_id"`
		ParentExecutionID string    `bson:"parent_execution_id"`
		ElementID         string    `bson:"element_id"`
		ScopeID           string    `bson:"scope_id"`
		State             string    `bson:"state"`
		SubscriptionIDs   []string  `bson:"subscription_ids"`
		CreateTime        time.Time `bson:"create_time"`
		CompletedTime     time.Time `bson:"completed_time"`
	}
)

func fromTransactionScope(ts *compensation.TransactionScope) txScopeDocument {
	return txScopeDocument{
		ProcessInstanceID: ts.ProcessInstanceID,
		ParentExecutionID: ts.ParentExecutionID,
		ElementID:         ts.ElementID,
		ScopeID:           ts.ScopeID,
		State:             string(ts.State),
		SubscriptionIDs:   append([]string(nil), ts.SubscriptionIDs...),
		CreateTime:        ts.CreateTime.UTC(),
		CompletedTime:     ts.CompletedTime.UTC(),
	}
}

func (r txScopeRow) toTransactionScope() *compensation.TransactionScope {
	return &compensation.TransactionScope{
		ID:                r.ID,
		ProcessInstanceID: r.ProcessInstanceID,
		ParentExecutionID: r.ParentExecutionID,
		ElementID:         r.ElementID,
		ScopeID:           r.ScopeID,
		State:             compensation.State(r.State),
		SubscriptionIDs:   append([]string(nil), r.SubscriptionIDs...),
		CreateTime:        r.CreateTime,
		CompletedTime:     r.CompletedTime,
	}
}

// Create implements compensation.Repository.
func (r *txScopeRepo) Create(ctx context.Context, ts *compensation.TransactionScope) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	if _, err := r.s.txScopes.InsertOne(ctx, txScopeRow{ID: ts.ID, Seq: seq, txScopeDocument: fromTransactionScope(ts)}); err != nil {
		return insertErr(err, "transaction scope %s already exists", ts.ID)
	}
	return nil
}

// Get implements compensation.Repository.
func (r *txScopeRepo) Get(ctx context.Context, id string) (*compensation.TransactionScope, error) {
	var row txScopeRow
	if err := r.s.txScopes.FindOne(ctx, bson.M{"_id": id}).Decode(&row); err != nil {
		return nil, loadErr(err, "transaction scope %s not found", id)
	}
	return row.toTransactionScope(), nil
}

// Update implements compensation.Repository.
func (r *txScopeRepo) Update(ctx context.Context, ts *compensation.TransactionScope) error {
	res, err := r.s.txScopes.UpdateOne(ctx, bson.M{"_id": ts.ID}, bson.M{"$set": fromTransactionScope(ts)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update transaction scope", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "transaction scope %s not found", ts.ID)
	}
	return nil
}

// Delete implements compensation.Repository.
func (r *txScopeRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.txScopes.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "delete transaction scope", err)
	}
	if res.DeletedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "transaction scope %s not found", id)
	}
	return nil
}

// ByInstance implements compensation.Repository.
func (r *txScopeRepo) ByInstance(ctx context.Context, processInstanceID string) ([]*compensation.TransactionScope, error) {
	return r.list(ctx, bson.M{"process_instance_id": processInstanceID}, seqAsc)
}

// ByElement implements compensation.Repository. Newest first: cancellation
// and compensation always target the most recent pass through the element.
func (r *txScopeRepo) ByElement(ctx context.Context, processInstanceID, elementID string) ([]*compensation.TransactionScope, error) {
	query := bson.M{"process_instance_id": processInstanceID, "element_id": elementID}
	return r.list(ctx, query, bson.D{{Key: "seq", Value: -1}})
}

func (r *txScopeRepo) list(ctx context.Context, query bson.M, sort bson.D) ([]*compensation.TransactionScope, error) {
	cur, err := r.s.txScopes.Find(ctx, query, options.Find().SetSort(sort))
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list transaction scopes", err)
	}
	rows, err := decodeAll[txScopeRow](ctx, cur, "list transaction scopes")
	if err != nil {
		return nil, err
	}
	out := make([]*compensation.TransactionScope, len(rows))
	for i, row := range rows {
		out[i] = row.toTransactionScope()
	}
	return out, nil
}
