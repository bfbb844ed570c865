// Package inmem implements store.Store in memory. It backs tests and local
// development; nothing survives a process restart. Production deployments
// use a durable driver such as features/store/mongo.
//
// Every map holds row values, never pointers, and rows are replaced whole
// on write, so a transaction snapshot is a plain copy of the map headers.
// Rollback swaps the pre-transaction image back in.
package inmem

import (
	"context"
	"maps"
	"slices"
	"sync"

	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/history"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/store"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/task"
)

type (
	// Store implements store.Store. A single mutex serializes autocommit
	// calls and transactions; readers never observe a half-applied
	// transaction.
	Store struct {
		mu sync.Mutex
		d  *data
	}

	// data is the whole database image.
	data struct {
		instances  map[string]instance.Instance
		executions map[string]instance.Execution
		incidents  map[string]instance.Incident
		scopes     map[string]scope.Scope
		variables  map[string]scope.Variable // keyed by scope ID and name
		subs       map[string]subscription.Subscription
		txScopes   map[string]compensation.TransactionScope
		tasks      map[string]task.Task
		events     map[string]outbox.Event
		histProcs  map[string]history.ProcessRecord
		histActs   map[string]history.ActivityRecord
		histTasks  map[string]history.TaskRecord
		defs       map[string][]byte // marshaled definition documents
		defOrder   []string          // deployment order

		// seqs records insertion order per row so list queries are stable
		// even when a fake clock hands out identical timestamps.
		seqs      map[string]int64
		nextSeq   int64
		outboxSeq int64
	}

	// txSet hands out repositories that run without re-locking; InTx holds
	// the store mutex for the whole transaction.
	txSet struct {
		s *Store
	}

	txKey struct{}
)

// New returns an empty store.
func New() *Store {
	return &Store{d: newData()}
}

func newData() *data {
	return &data{
		instances:  make(map[string]instance.Instance),
		executions: make(map[string]instance.Execution),
		incidents:  make(map[string]instance.Incident),
		scopes:     make(map[string]scope.Scope),
		variables:  make(map[string]scope.Variable),
		subs:       make(map[string]subscription.Subscription),
		txScopes:   make(map[string]compensation.TransactionScope),
		tasks:      make(map[string]task.Task),
		events:     make(map[string]outbox.Event),
		histProcs:  make(map[string]history.ProcessRecord),
		histActs:   make(map[string]history.ActivityRecord),
		histTasks:  make(map[string]history.TaskRecord),
		defs:       make(map[string][]byte),
		seqs:       make(map[string]int64),
	}
}

func (d *data) clone() *data {
	return &data{
		instances:  maps.Clone(d.instances),
		executions: maps.Clone(d.executions),
		incidents:  maps.Clone(d.incidents),
		scopes:     maps.Clone(d.scopes),
		variables:  maps.Clone(d.variables),
		subs:       maps.Clone(d.subs),
		txScopes:   maps.Clone(d.txScopes),
		tasks:      maps.Clone(d.tasks),
		events:     maps.Clone(d.events),
		histProcs:  maps.Clone(d.histProcs),
		histActs:   maps.Clone(d.histActs),
		histTasks:  maps.Clone(d.histTasks),
		defs:       maps.Clone(d.defs),
		defOrder:   slices.Clone(d.defOrder),
		seqs:       maps.Clone(d.seqs),
		nextSeq:    d.nextSeq,
		outboxSeq:  d.outboxSeq,
	}
}

// stamp records the insertion sequence of a row.
func (d *data) stamp(kind, id string) {
	d.nextSeq++
	d.seqs[kind+"\x00"+id] = d.nextSeq
}

func (d *data) seqOf(kind, id string) int64 {
	return d.seqs[kind+"\x00"+id]
}

func (d *data) unstamp(kind, id string) {
	delete(d.seqs, kind+"\x00"+id)
}

// enter takes the store mutex for one autocommit call. Inside a
// transaction the mutex is already held, so it is a no-op.
func (s *Store) enter(inTx bool) func() {
	if inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTx implements store.Store. A call whose context already carries a
// transaction joins it; the inner fn then shares the outer commit or
// rollback.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.TxSet) error) error {
	if tx, ok := ctx.Value(txKey{}).(txSet); ok && tx.s == s {
		return fn(ctx, tx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.d.clone()
	committed := false
	defer func() {
		if !committed {
			s.d = snap
		}
	}()
	tx := txSet{s: s}
	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Close implements store.Store.
func (s *Store) Close(context.Context) error {
	return nil
}

// Reset clears all stored data. Tests use it between cases.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = newData()
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

func (t txSet) Instances() instance.Repository                { return &instanceRepo{s: t.s, tx: true} }
func (t txSet) Executions() instance.ExecutionRepository      { return &executionRepo{s: t.s, tx: true} }
func (t txSet) Incidents() instance.IncidentRepository        { return &incidentRepo{s: t.s, tx: true} }
func (t txSet) Scopes() scope.Repository                      { return &scopeRepo{s: t.s, tx: true} }
func (t txSet) Variables() scope.VariableRepository           { return &variableRepo{s: t.s, tx: true} }
func (t txSet) Subscriptions() subscription.Repository        { return &subscriptionRepo{s: t.s, tx: true} }
func (t txSet) TransactionScopes() compensation.Repository    { return &txScopeRepo{s: t.s, tx: true} }
func (t txSet) Tasks() task.Repository                        { return &taskRepo{s: t.s, tx: true} }
func (t txSet) Outbox() outbox.Repository                     { return &outboxRepo{s: t.s, tx: true} }
func (t txSet) HistoryProcesses() history.ProcessRepository   { return &histProcRepo{s: t.s, tx: true} }
func (t txSet) HistoryActivities() history.ActivityRepository { return &histActRepo{s: t.s, tx: true} }
func (t txSet) HistoryTasks() history.TaskRepository          { return &histTaskRepo{s: t.s, tx: true} }

func varKey(scopeID, name string) string {
	return scopeID + "\x00" + name
}
