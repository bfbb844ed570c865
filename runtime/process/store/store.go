// Package store bundles the entity repositories behind one transactional
// boundary. The interpreter mutates core state and appends outbox rows
// through a single TxSet so every work unit commits or rolls back as a
// whole.
package store

import (
	"context"

	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/history"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/task"
)

type (
	// TxSet exposes every repository bound to one transaction. Writes
	// through any of them become visible together on commit and vanish
	// together on rollback.
	TxSet interface {
		Instances() instance.Repository
		Executions() instance.ExecutionRepository
		Incidents() instance.IncidentRepository
		Scopes() scope.Repository
		Variables() scope.VariableRepository
		Subscriptions() subscription.Repository
		TransactionScopes() compensation.Repository
		Tasks() task.Repository
		Outbox() outbox.Repository
		HistoryProcesses() history.ProcessRepository
		HistoryActivities() history.ActivityRepository
		HistoryTasks() history.TaskRepository
	}

	// Store is the driver boundary. Used directly it autocommits each
	// repository call; InTx groups calls into one transaction.
	Store interface {
		TxSet

		// InTx runs fn inside one transaction and commits when fn returns
		// nil. Any error rolls every write back and is returned unchanged.
		// When the context already carries a transaction the call joins it
		// instead of opening a new one. fn must go through the TxSet it is
		// handed; the Store's own accessors block until the transaction
		// ends.
		InTx(ctx context.Context, fn func(ctx context.Context, tx TxSet) error) error

		// Definitions persists deployed definition documents. Deployment
		// is not part of instance transactions.
		Definitions() DefinitionRepository

		// Close releases driver resources.
		Close(ctx context.Context) error
	}

	// DefinitionRepository persists definition documents so a restarted
	// engine can rehydrate its registry.
	DefinitionRepository interface {
		// Save stores the document keyed by its definition ID.
		Save(ctx context.Context, doc *definition.Document) error
		Get(ctx context.Context, id string) (*definition.Document, error)
		// All returns every stored document in deployment order.
		All(ctx context.Context) ([]*definition.Document, error)
	}
)
