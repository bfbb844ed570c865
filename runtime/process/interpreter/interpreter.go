// Package interpreter executes process instances one element at a time.
// Each work unit loads one execution, runs the behavior of the element it
// sits on inside a single store transaction, appends the lifecycle events
// the transition produced to the outbox and returns the follow-up units the
// move created. Transient transaction failures retry with bounded backoff;
// a spent budget fails the execution and raises an incident.
package interpreter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/eventsub"
	"goa.design/flow/runtime/process/expr"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/store"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/telemetry"
)

type (
	// Options configures an Interpreter.
	Options struct {
		// Store is the transactional persistence boundary. Required.
		Store store.Store
		// Definitions resolves deployed definitions. Required.
		Definitions *definition.Registry
		// Evaluator evaluates flow conditions and scripts. Required.
		Evaluator *expr.Evaluator
		// Outbox stamps and appends lifecycle events. Required.
		Outbox *outbox.Appender
		// Handlers holds the service task handlers. Defaults to an empty
		// registry.
		Handlers *HandlerRegistry
		// Retry bounds the per-work-unit transaction retries. Zero fields
		// take the engine defaults.
		Retry engine.RetryPolicy
		// Clock defaults to the system clock.
		Clock clock.Clock
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
	}

	// Interpreter runs work units. It is stateless apart from the in-memory
	// service task attempt counters, so one interpreter serves every
	// instance; per-instance serialization is the dispatcher's job.
	Interpreter struct {
		store    store.Store
		defs     *definition.Registry
		eval     *expr.Evaluator
		outbox   *outbox.Appender
		handlers *HandlerRegistry
		retry    engine.RetryPolicy
		clock    clock.Clock
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu sync.Mutex
		// attempts counts service task attempts per execution. In-memory:
		// a restart resets the count, which at worst grants a fresh budget.
		attempts map[string]int
		submit   func(WorkItem)
	}
)

// New returns an interpreter over the given options.
func New(o Options) (*Interpreter, error) {
	if o.Store == nil {
		return nil, engine.Errorf(engine.KindValidation, "store is required")
	}
	if o.Definitions == nil {
		return nil, engine.Errorf(engine.KindValidation, "definition registry is required")
	}
	if o.Evaluator == nil {
		return nil, engine.Errorf(engine.KindValidation, "evaluator is required")
	}
	if o.Outbox == nil {
		return nil, engine.Errorf(engine.KindValidation, "outbox appender is required")
	}
	if o.Handlers == nil {
		o.Handlers = NewHandlerRegistry()
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = telemetry.NoopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NoopMetrics{}
	}
	return &Interpreter{
		store:    o.Store,
		defs:     o.Definitions,
		eval:     o.Evaluator,
		outbox:   o.Outbox,
		handlers: o.Handlers,
		retry:    o.Retry.Normalize(),
		clock:    o.Clock,
		logger:   o.Logger,
		metrics:  o.Metrics,
		attempts: make(map[string]int),
	}, nil
}

// SetSubmitter installs the callback asynchronous task completions re-enter
// the engine through. The dispatcher wires itself in here.
func (i *Interpreter) SetSubmitter(submit func(WorkItem)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.submit = submit
}

// Process runs one work unit in one store transaction and returns the
// follow-up units it produced. Transient failures retry per the configured
// policy; once the budget is spent the targeted execution fails and an
// incident is raised, and the transient error is returned.
func (i *Interpreter) Process(ctx context.Context, item WorkItem) ([]WorkItem, error) {
	start := i.clock.Now()
	for attempt := 1; ; attempt++ {
		var (
			followups []WorkItem
			after     []func(context.Context)
		)
		err := i.store.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
			env, err := i.env(tx)
			if err != nil {
				return err
			}
			if err := env.process(ctx, item); err != nil {
				return err
			}
			followups = env.followups
			after = env.after
			return nil
		})
		if err == nil {
			for _, fn := range after {
				fn(ctx)
			}
			i.metrics.IncCounter("flow.workunits", 1, "action", string(item.Action))
			i.metrics.RecordTimer("flow.workunit.duration", i.clock.Now().Sub(start), "action", string(item.Action))
			return followups, nil
		}
		if !retryable(err) {
			return nil, err
		}
		if i.retry.Exhausted(attempt) {
			i.logger.Error(ctx, "work unit retry budget spent",
				"process_instance_id", item.ProcessInstanceID,
				"action", string(item.Action),
				"attempts", attempt,
				"error", err)
			i.failUnit(ctx, item, err)
			return nil, err
		}
		i.logger.Warn(ctx, "work unit failed, retrying",
			"process_instance_id", item.ProcessInstanceID,
			"action", string(item.Action),
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(i.retry.Backoff(attempt)):
		}
	}
}

// retryable reports whether the error is transient. Only uncategorized and
// internal errors retry; every modeled kind is permanent.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch engine.KindOf(err) {
	case 0, engine.KindInternal:
		return true
	}
	return false
}

// failUnit marks the unit's execution FAILED and raises an incident after
// the retry budget is spent. Best effort: failures here are logged only.
func (i *Interpreter) failUnit(ctx context.Context, item WorkItem, cause error) {
	if item.ExecutionID == "" {
		return
	}
	err := i.store.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
		exec, err := tx.Executions().Get(ctx, item.ExecutionID)
		if err != nil {
			return err
		}
		exec.State = instance.ExecFailed
		if err := tx.Executions().Update(ctx, exec); err != nil {
			return err
		}
		inc := &instance.Incident{
			ID:                uuid.NewString(),
			ProcessInstanceID: exec.ProcessInstanceID,
			ExecutionID:       exec.ID,
			ElementID:         exec.ElementID,
			Code:              incidentCode(cause),
			Message:           cause.Error(),
			CreateTime:        i.clock.Now(),
		}
		if err := tx.Incidents().Create(ctx, inc); err != nil {
			return err
		}
		payload, err := outbox.MarshalPayload(outbox.IncidentPayload{
			IncidentID: inc.ID,
			Code:       inc.Code,
			Message:    inc.Message,
		})
		if err != nil {
			return err
		}
		return i.outbox.Append(ctx, tx.Outbox(), &outbox.Event{
			Type:              outbox.IncidentRaised,
			ProcessInstanceID: exec.ProcessInstanceID,
			ExecutionID:       exec.ID,
			ActivityID:        exec.ElementID,
			Payload:           payload,
		})
	})
	if err != nil {
		i.logger.Error(ctx, "failed to raise incident",
			"process_instance_id", item.ProcessInstanceID,
			"execution_id", item.ExecutionID,
			"error", err)
	}
}

// env binds the stateless managers to one transaction.
func (i *Interpreter) env(tx store.TxSet) (*txEnv, error) {
	scopes := scope.NewManager(tx.Scopes(), tx.Variables(), i.clock)
	subs := subscription.NewRegistry(tx.Subscriptions(), i.clock)
	comp := compensation.NewManager(tx.TransactionScopes(), subs, i.clock, i.logger)
	events, err := eventsub.NewExecutor(eventsub.Options{
		Evaluator:     i.eval,
		Scopes:        scopes,
		Subscriptions: subs,
		Executions:    tx.Executions(),
		Clock:         i.clock,
		Logger:        i.logger,
	})
	if err != nil {
		return nil, err
	}
	return &txEnv{
		in:     i,
		tx:     tx,
		scopes: scopes,
		subs:   subs,
		comp:   comp,
		events: events,
	}, nil
}

// nextAttempt increments and returns the attempt count for the execution.
func (i *Interpreter) nextAttempt(executionID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attempts[executionID]++
	return i.attempts[executionID]
}

func (i *Interpreter) attemptCount(executionID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attempts[executionID]
}

// ResetAttempts clears the service task attempt counter for the execution.
// Incident resolution calls it so the retried task gets a fresh budget.
func (i *Interpreter) ResetAttempts(executionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.attempts, executionID)
}

func (i *Interpreter) submitFn() func(WorkItem) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.submit
}

// incidentCode maps an error to the code recorded on its incident.
func incidentCode(err error) string {
	if code := engine.CodeOf(err); code != "" {
		return code
	}
	switch engine.KindOf(err) {
	case engine.KindExpressionSyntax:
		return "EXPRESSION_SYNTAX"
	case engine.KindExpressionRuntime:
		return "EXPRESSION_RUNTIME"
	case engine.KindValidation:
		return "VALIDATION"
	case engine.KindNotFound:
		return "NOT_FOUND"
	case engine.KindConflict:
		return "CONFLICT"
	case engine.KindSubscriptionCreateFailed:
		return "SUBSCRIPTION_CREATE_FAILED"
	case engine.KindCompensationHandlerFailed:
		return "COMPENSATION_HANDLER_FAILED"
	default:
		return "INTERNAL"
	}
}
