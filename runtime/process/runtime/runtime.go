// Package runtime assembles the process engine behind one facade: the
// store, the interpreter and its dispatcher, the timer poller, the outbox
// publisher and the history projection. Client code deploys definitions,
// starts instances, delivers events and completes tasks through a Runtime
// and observes progress on its bus.
package runtime

import (
	"context"
	"time"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/expr"
	"goa.design/flow/runtime/process/history"
	"goa.design/flow/runtime/process/hooks"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/interpreter"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/store"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/task"
	"goa.design/flow/runtime/process/telemetry"
	"goa.design/flow/runtime/process/timer"
)

type (
	// Options configures a Runtime.
	Options struct {
		// Store is the persistence driver. Required.
		Store store.Store
		// Bus is an additional destination for published lifecycle events,
		// typically a broker adapter. The in-process hooks bus always
		// receives them; when Bus is nil rows are promoted to PROCESSED as
		// soon as the hooks bus handled them.
		Bus outbox.Bus
		// Lanes is the dispatcher width. Zero takes the dispatcher default.
		Lanes int
		// Retry bounds the per-work-unit transaction retries. Zero fields
		// take the engine defaults.
		Retry engine.RetryPolicy
		// TimerInterval is the timer poll cadence. Zero takes the poller
		// default.
		TimerInterval time.Duration
		// PublishInterval is the outbox poll cadence. Zero takes the
		// publisher default.
		PublishInterval time.Duration
		// PublishRetryInterval is the failed-row reset cadence. Zero takes
		// the publisher default.
		PublishRetryInterval time.Duration
		// ExpressionCacheSize bounds the expression compile cache. Zero
		// takes the evaluator default.
		ExpressionCacheSize int
		// Clock defaults to the system clock.
		Clock clock.Clock
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
	}

	// Runtime is the process engine facade. It is safe for concurrent use.
	Runtime struct {
		store     store.Store
		defs      *definition.Registry
		eval      *expr.Evaluator
		appender  *outbox.Appender
		handlers  *interpreter.HandlerRegistry
		interp    *interpreter.Interpreter
		disp      *interpreter.Dispatcher
		poller    *timer.Poller
		publisher *outbox.Publisher
		bus       *hooks.Bus
		projector *history.Projector
		subs      *subscription.Registry
		clock     clock.Clock
		logger    telemetry.Logger
	}

	// fanoutBus delivers each event to the in-process bus first and then to
	// the external bus. An error from either keeps the row in the outbox
	// for redelivery, so both sides must tolerate duplicates.
	fanoutBus struct {
		local  *hooks.Bus
		remote outbox.Bus
	}
)

func (f fanoutBus) Publish(ctx context.Context, topic string, ev *outbox.Event) error {
	if err := f.local.Publish(ctx, topic, ev); err != nil {
		return err
	}
	return f.remote.Publish(ctx, topic, ev)
}

// New assembles the engine, rehydrates deployed definitions from the store
// and starts the timer and publisher loops. Close shuts everything down.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Store == nil {
		return nil, engine.Errorf(engine.KindValidation, "store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	eval, err := expr.New(opts.ExpressionCacheSize)
	if err != nil {
		return nil, err
	}
	defs := definition.NewRegistry()
	appender := outbox.NewAppender(opts.Clock, 0)
	handlers := interpreter.NewHandlerRegistry()
	interp, err := interpreter.New(interpreter.Options{
		Store:       opts.Store,
		Definitions: defs,
		Evaluator:   eval,
		Outbox:      appender,
		Handlers:    handlers,
		Retry:       opts.Retry,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	disp := interpreter.NewDispatcher(interp, interpreter.DispatcherOptions{
		Lanes:  opts.Lanes,
		Logger: opts.Logger,
	})
	interp.SetSubmitter(disp.Submit)

	r := &Runtime{
		store:    opts.Store,
		defs:     defs,
		eval:     eval,
		appender: appender,
		handlers: handlers,
		interp:   interp,
		disp:     disp,
		bus:      hooks.NewBus(),
		subs:     subscription.NewRegistry(opts.Store.Subscriptions(), opts.Clock),
		clock:    opts.Clock,
		logger:   opts.Logger,
	}

	r.poller, err = timer.NewPoller(timer.PollerOptions{
		Subscriptions: r.subs,
		Definitions:   defs,
		Submit:        disp.Submit,
		Start:         r.startFromTimer,
		Interval:      opts.TimerInterval,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
	})
	if err != nil {
		disp.Close()
		return nil, err
	}
	r.projector, err = history.NewProjector(history.ProjectorOptions{
		Processes:  opts.Store.HistoryProcesses(),
		Activities: opts.Store.HistoryActivities(),
		Tasks:      opts.Store.HistoryTasks(),
		Instances:  opts.Store.Instances(),
		Logger:     opts.Logger,
	})
	if err != nil {
		disp.Close()
		return nil, err
	}
	if _, err := r.bus.Subscribe("*", r.projector.Handle); err != nil {
		disp.Close()
		return nil, err
	}
	var pubBus outbox.Bus = r.bus
	markProcessed := true
	if opts.Bus != nil {
		pubBus = fanoutBus{local: r.bus, remote: opts.Bus}
		markProcessed = false
	}
	r.publisher, err = outbox.NewPublisher(outbox.PublisherOptions{
		Repo:          opts.Store.Outbox(),
		Bus:           pubBus,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
		Interval:      opts.PublishInterval,
		RetryInterval: opts.PublishRetryInterval,
		MarkProcessed: markProcessed,
	})
	if err != nil {
		disp.Close()
		return nil, err
	}

	if err := r.rehydrate(ctx); err != nil {
		disp.Close()
		return nil, err
	}
	if err := r.poller.Start(ctx); err != nil {
		disp.Close()
		return nil, err
	}
	if err := r.publisher.Start(ctx); err != nil {
		r.poller.Stop()
		disp.Close()
		return nil, err
	}
	return r, nil
}

// rehydrate reloads deployed definitions so a restarted engine serves the
// instances the store still holds.
func (r *Runtime) rehydrate(ctx context.Context) error {
	docs, err := r.store.Definitions().All(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		def, err := doc.Compile(r.eval)
		if err != nil {
			return engine.Wrap(engine.KindValidation, "recompile definition "+doc.ID, err)
		}
		if err := r.defs.Register(def); err != nil {
			return err
		}
	}
	if len(docs) > 0 {
		r.logger.Info(ctx, "definitions rehydrated", "count", len(docs))
	}
	return nil
}

// RegisterHandler binds a service task handler to its implementation key.
func (r *Runtime) RegisterHandler(key string, h interpreter.Handler) error {
	return r.handlers.Register(key, h)
}

// Subscribe registers a lifecycle event handler on the in-process bus.
// The pattern matches topics, with "*" as a trailing wildcard.
func (r *Runtime) Subscribe(pattern string, h hooks.Handler) (*hooks.Subscription, error) {
	return r.bus.Subscribe(pattern, h)
}

// Instance returns the process instance.
func (r *Runtime) Instance(ctx context.Context, processInstanceID string) (*instance.Instance, error) {
	return r.store.Instances().Get(ctx, processInstanceID)
}

// Instances lists process instances matching the filter.
func (r *Runtime) Instances(ctx context.Context, filter instance.Filter) ([]*instance.Instance, error) {
	return r.store.Instances().List(ctx, filter)
}

// Tasks returns the instance's user tasks, open and closed.
func (r *Runtime) Tasks(ctx context.Context, processInstanceID string) ([]*task.Task, error) {
	return r.store.Tasks().ByInstance(ctx, processInstanceID)
}

// Incidents returns the instance's incidents, resolved ones included.
func (r *Runtime) Incidents(ctx context.Context, processInstanceID string) ([]*instance.Incident, error) {
	return r.store.Incidents().ByInstance(ctx, processInstanceID)
}

// AwaitIdle blocks until no work unit is queued or running. Tests and
// graceful shutdown use it to reach a settled state.
func (r *Runtime) AwaitIdle(ctx context.Context) error {
	return r.disp.WaitIdle(ctx)
}

// DrainOutbox publishes pending outbox rows until none remain.
func (r *Runtime) DrainOutbox(ctx context.Context) error {
	_, err := r.publisher.Drain(ctx)
	return err
}

// PurgeHistory deletes the history rows of an ended instance along with
// the instance row itself.
func (r *Runtime) PurgeHistory(ctx context.Context, processInstanceID string) error {
	return r.projector.Purge(ctx, processInstanceID)
}

// Close stops the loops, waits for queued work within the context's
// deadline, flushes the outbox and releases the store.
func (r *Runtime) Close(ctx context.Context) error {
	r.poller.Stop()
	if err := r.disp.WaitIdle(ctx); err != nil {
		r.logger.Warn(ctx, "close: work still pending", "error", err.Error())
	}
	if _, err := r.publisher.Drain(ctx); err != nil {
		r.logger.Warn(ctx, "close: outbox drain failed", "error", err.Error())
	}
	r.publisher.Stop()
	r.disp.Close()
	return r.store.Close(ctx)
}
