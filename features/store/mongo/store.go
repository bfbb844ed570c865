// Package mongo implements store.Store on MongoDB. Entities live in one
// collection each, list order is fixed by a per-row insertion sequence
// drawn from a counters collection, and InTx maps to a Mongo multi-document
// transaction carried through the session context, so the deployment needs
// a replica set.
package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "goa.design/flow/features/store/mongo/clients/mongo"
	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/history"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/store"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/task"
)

// Collection names.
const (
	collInstances         = "process_instances"
	collExecutions        = "process_executions"
	collIncidents         = "process_incidents"
	collScopes            = "process_scopes"
	collVariables         = "process_variables"
	collSubscriptions     = "process_subscriptions"
	collTransactionScopes = "process_transaction_scopes"
	collTasks             = "process_tasks"
	collOutbox            = "process_outbox"
	collHistoryProcesses  = "process_history_processes"
	collHistoryActivities = "process_history_activities"
	collHistoryTasks      = "process_history_tasks"
	collDefinitions       = "process_definitions"
	collCounters          = "process_counters"
)

// Counter documents. Row order uses one shared sequence; the outbox keeps
// its own so Event.Seq stays dense.
const (
	counterRows   = "rows"
	counterOutbox = "outbox"
)

// Store implements store.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client

	instances     clientsmongo.Collection
	executions    clientsmongo.Collection
	incidents     clientsmongo.Collection
	scopes        clientsmongo.Collection
	variables     clientsmongo.Collection
	subscriptions clientsmongo.Collection
	txScopes      clientsmongo.Collection
	tasks         clientsmongo.Collection
	events        clientsmongo.Collection
	histProcs     clientsmongo.Collection
	histActs      clientsmongo.Collection
	histTasks     clientsmongo.Collection
	definitions   clientsmongo.Collection
	counters      clientsmongo.Collection
}

// NewStore builds a Mongo-backed process store using the provided client
// and ensures the collection indexes.
func NewStore(ctx context.Context, client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	s := &Store{
		client:        client,
		instances:     client.Collection(collInstances),
		executions:    client.Collection(collExecutions),
		incidents:     client.Collection(collIncidents),
		scopes:        client.Collection(collScopes),
		variables:     client.Collection(collVariables),
		subscriptions: client.Collection(collSubscriptions),
		txScopes:      client.Collection(collTransactionScopes),
		tasks:         client.Collection(collTasks),
		events:        client.Collection(collOutbox),
		histProcs:     client.Collection(collHistoryProcesses),
		histActs:      client.Collection(collHistoryActivities),
		histTasks:     client.Collection(collHistoryTasks),
		definitions:   client.Collection(collDefinitions),
		counters:      client.Collection(collCounters),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// InTx implements store.Store. A call whose context already carries a
// session joins the ambient transaction; the repositories pick the session
// up from the context, so the TxSet handed to fn is the store itself.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.TxSet) error) error {
	if s.client.InTransaction(ctx) {
		return fn(ctx, s)
	}
	return s.client.WithTransaction(ctx, func(ctx context.Context) error {
		return fn(ctx, s)
	})
}

// Close implements store.Store. The caller owns the Mongo connection, so
// there is nothing to release here.
func (s *Store) Close(context.Context) error {
	return nil
}

// Instances implements store.Store.
func (s *Store) Instances() instance.Repository { return &instanceRepo{s: s} }

// Executions implements store.Store.
func (s *Store) Executions() instance.ExecutionRepository { return &executionRepo{s: s} }

// Incidents implements store.Store.
func (s *Store) Incidents() instance.IncidentRepository { return &incidentRepo{s: s} }

// Scopes implements store.Store.
func (s *Store) Scopes() scope.Repository { return &scopeRepo{s: s} }

// Variables implements store.Store.
func (s *Store) Variables() scope.VariableRepository { return &variableRepo{s: s} }

// Subscriptions implements store.Store.
func (s *Store) Subscriptions() subscription.Repository { return &subscriptionRepo{s: s} }

// TransactionScopes implements store.Store.
func (s *Store) TransactionScopes() compensation.Repository { return &txScopeRepo{s: s} }

// Tasks implements store.Store.
func (s *Store) Tasks() task.Repository { return &taskRepo{s: s} }

// Outbox implements store.Store.
func (s *Store) Outbox() outbox.Repository { return &outboxRepo{s: s} }

// HistoryProcesses implements store.Store.
func (s *Store) HistoryProcesses() history.ProcessRepository { return &histProcRepo{s: s} }

// HistoryActivities implements store.Store.
func (s *Store) HistoryActivities() history.ActivityRepository { return &histActRepo{s: s} }

// HistoryTasks implements store.Store.
func (s *Store) HistoryTasks() history.TaskRepository { return &histTaskRepo{s: s} }

// Definitions implements store.Store.
func (s *Store) Definitions() store.DefinitionRepository { return &definitionRepo{s: s} }

// counterRow is one named counter document.
type counterRow struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

// nextSeq draws the next value of the named counter.
func (s *Store) nextSeq(ctx context.Context, name string) (int64, error) {
	res := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc counterRow
	if err := res.Decode(&doc); err != nil {
		return 0, engine.Wrap(engine.KindInternal, "draw sequence "+name, err)
	}
	return doc.Value, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := []struct {
		coll  clientsmongo.Collection
		model mongodriver.IndexModel
	}{
		{s.instances, mongodriver.IndexModel{Keys: bson.D{{Key: "definition_key", Value: 1}}}},
		{s.instances, mongodriver.IndexModel{Keys: bson.D{{Key: "state", Value: 1}}}},
		{s.executions, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}}}},
		{s.executions, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}, {Key: "element_id", Value: 1}}}},
		{s.incidents, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}}}},
		{s.incidents, mongodriver.IndexModel{Keys: bson.D{{Key: "resolved_at", Value: 1}}}},
		{s.scopes, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}}}},
		{s.scopes, mongodriver.IndexModel{Keys: bson.D{{Key: "parent_id", Value: 1}}}},
		{s.variables, mongodriver.IndexModel{Keys: bson.D{{Key: "scope_id", Value: 1}, {Key: "name", Value: 1}}, Options: unique}},
		{s.subscriptions, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}}}},
		{s.subscriptions, mongodriver.IndexModel{Keys: bson.D{{Key: "execution_id", Value: 1}}}},
		{s.subscriptions, mongodriver.IndexModel{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "event_name", Value: 1}}}},
		{s.subscriptions, mongodriver.IndexModel{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "config.due_time", Value: 1}}}},
		{s.txScopes, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}, {Key: "element_id", Value: 1}}}},
		{s.tasks, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}}}},
		{s.tasks, mongodriver.IndexModel{Keys: bson.D{{Key: "assignee", Value: 1}}}},
		{s.events, mongodriver.IndexModel{Keys: bson.D{{Key: "status", Value: 1}, {Key: "create_time", Value: 1}, {Key: "seq", Value: 1}}}},
		{s.events, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}}}},
		{s.histProcs, mongodriver.IndexModel{Keys: bson.D{{Key: "definition_key", Value: 1}}}},
		{s.histActs, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}}}},
		{s.histActs, mongodriver.IndexModel{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "element_id", Value: 1}}}},
		{s.histTasks, mongodriver.IndexModel{Keys: bson.D{{Key: "process_instance_id", Value: 1}}}},
	}
	for _, spec := range specs {
		if _, err := spec.coll.Indexes().CreateOne(ctx, spec.model); err != nil {
			return engine.Wrap(engine.KindInternal, "ensure indexes", err)
		}
	}
	return nil
}

// seqAsc orders list results by insertion sequence.
var seqAsc = bson.D{{Key: "seq", Value: 1}}

// insertErr maps an insert failure: a duplicate key is a conflict on the
// entity, anything else is infrastructure.
func insertErr(err error, format string, args ...any) error {
	if mongodriver.IsDuplicateKeyError(err) {
		return engine.Errorf(engine.KindConflict, format, args...)
	}
	return engine.Wrap(engine.KindInternal, "insert", err)
}

// loadErr maps a FindOne failure: no document is not found with the given
// message, anything else is infrastructure.
func loadErr(err error, format string, args ...any) error {
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return engine.Errorf(engine.KindNotFound, format, args...)
	}
	return engine.Wrap(engine.KindInternal, "load", err)
}

// decodeAll drains a cursor into row values.
func decodeAll[R any](ctx context.Context, cur clientsmongo.Cursor, op string) (rows []R, err error) {
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = engine.Wrap(engine.KindInternal, op, cerr)
		}
	}()
	for cur.Next(ctx) {
		var row R
		if err := cur.Decode(&row); err != nil {
			return nil, engine.Wrap(engine.KindInternal, op, err)
		}
		rows = append(rows, row)
	}
	if err := cur.Err(); err != nil {
		return nil, engine.Wrap(engine.KindInternal, op, err)
	}
	return rows, nil
}
