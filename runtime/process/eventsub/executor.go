// Package eventsub starts event sub-processes: sub-processes entered by an
// event rather than by an incoming sequence flow. The executor registers
// the subscriptions their start events declare when the enclosing scope
// activates, and builds the new scope and execution when one fires.
package eventsub

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/expr"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/telemetry"
)

// ErrNoMatchingStartEvent reports a trigger whose event matches none of the
// event sub-process start events.
var ErrNoMatchingStartEvent = engine.Errorf(engine.KindConflict, "no matching start event")

type (
	// Options configures an Executor.
	Options struct {
		// Evaluator runs conditional start event expressions. Required.
		Evaluator *expr.Evaluator
		// Scopes manages the instance scope trees. Required.
		Scopes *scope.Manager
		// Subscriptions registers the start event wait state. Required.
		Subscriptions *subscription.Registry
		// Executions persists the executions Trigger creates. Required.
		Executions instance.ExecutionRepository
		// Clock defaults to the real clock.
		Clock clock.Clock
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Executor registers and triggers event sub-processes.
	Executor struct {
		eval   *expr.Evaluator
		scopes *scope.Manager
		subs   *subscription.Registry
		execs  instance.ExecutionRepository
		clock  clock.Clock
		logger telemetry.Logger
	}

	// RegisterContext identifies the enclosing scope whose event
	// sub-processes arm their start event subscriptions.
	RegisterContext struct {
		Definition *definition.Definition
		// Element is the event sub-process.
		Element           *definition.Element
		ProcessInstanceID string
		// HostExecutionID owns the subscriptions; cancelling it disarms
		// them.
		HostExecutionID string
		// ScopeID is the enclosing scope conditional expressions read.
		ScopeID string
	}

	// SubscriptionInfo describes one armed start event.
	SubscriptionInfo struct {
		SubscriptionID string
		StartEventID   string
		Kind           subscription.Kind
		EventName      string
	}

	// TriggerEvent is the incoming event that starts the sub-process.
	// For timer and conditional triggers Name carries the start event ID;
	// for signals, messages and errors it carries the event name.
	TriggerEvent struct {
		Kind subscription.Kind
		Name string
		// Data, when non-nil, lands in the new scope as "eventData".
		Data any
	}

	// TriggerContext carries the state Trigger needs.
	TriggerContext struct {
		Definition *definition.Definition
		// Element is the event sub-process.
		Element           *definition.Element
		ProcessInstanceID string
		// HostExecutionID becomes the parent of the new execution.
		HostExecutionID string
		// ScopeID is the enclosing scope; the new scope is its child.
		ScopeID string
		Event   *TriggerEvent
	}

	// TriggerResult reports what Trigger built.
	TriggerResult struct {
		StartEventID string
		ExecutionID  string
		ScopeID      string
		// NextElementIDs are the targets of the start event's outgoing
		// flows.
		NextElementIDs []string
		// Interrupting is taken from the matched start event. The caller
		// suspends the host flow when set.
		Interrupting bool
	}
)

// NewExecutor wires an executor.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Evaluator == nil {
		return nil, errors.New("evaluator is required")
	}
	if opts.Scopes == nil {
		return nil, errors.New("scope manager is required")
	}
	if opts.Subscriptions == nil {
		return nil, errors.New("subscription registry is required")
	}
	if opts.Executions == nil {
		return nil, errors.New("execution repository is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Executor{
		eval:   opts.Evaluator,
		scopes: opts.Scopes,
		subs:   opts.Subscriptions,
		execs:  opts.Executions,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// Register arms one subscription per start event of the event sub-process.
// Conditional start events evaluate their expression against the enclosing
// scope first and subscribe only when it holds.
func (x *Executor) Register(ctx context.Context, rc RegisterContext) ([]SubscriptionInfo, error) {
	if rc.Definition == nil || rc.Element == nil {
		return nil, engine.Errorf(engine.KindValidation, "definition and element are required")
	}
	if err := Validate(rc.Definition, rc.Element); err != nil {
		return nil, err
	}
	var infos []SubscriptionInfo
	for _, start := range rc.Definition.StartEvents(rc.Element.ID) {
		sub := &subscription.Subscription{
			ProcessInstanceID: rc.ProcessInstanceID,
			ExecutionID:       rc.HostExecutionID,
			ActivityID:        start.ID,
		}
		// The host scope is needed again at trigger time.
		sub.Config.ScopeID = rc.ScopeID
		switch start.Event {
		case definition.EventSignal:
			sub.Kind = subscription.KindSignal
			sub.EventName = start.SignalRef
		case definition.EventMessage:
			sub.Kind = subscription.KindMessage
			sub.EventName = start.MessageRef
		case definition.EventError:
			sub.Kind = subscription.KindError
			sub.EventName = start.ErrorRef
		case definition.EventTimer:
			if err := start.Timer.Compile(); err != nil {
				return nil, engine.Wrap(engine.KindValidation, fmt.Sprintf("timer start event %s", start.ID), err)
			}
			sched := start.Timer.Schedule()
			sub.Kind = subscription.KindTimer
			sub.Config.DueTime = sched.FirstDue(x.clock.Now())
			sub.Config.Repeats = sched.Repeats()
		case definition.EventConditional:
			vars, err := x.scopes.Variables(ctx, rc.ScopeID)
			if err != nil {
				return nil, err
			}
			hold, err := x.eval.EvaluateCondition(start.Condition, vars)
			if err != nil {
				return nil, err
			}
			if !hold {
				continue
			}
			sub.Kind = subscription.KindConditional
			sub.Config.Expression = start.Condition
		default:
			continue
		}
		created, err := x.subs.Create(ctx, sub)
		if err != nil {
			return nil, err
		}
		infos = append(infos, SubscriptionInfo{
			SubscriptionID: created.ID,
			StartEventID:   start.ID,
			Kind:           created.Kind,
			EventName:      created.EventName,
		})
	}
	return infos, nil
}

// Trigger starts the event sub-process for the incoming event. It locates
// the matching start event, opens a child scope seeded with the parent
// variables, and creates the execution positioned at the start event.
func (x *Executor) Trigger(ctx context.Context, tc TriggerContext) (*TriggerResult, error) {
	if tc.Definition == nil || tc.Element == nil {
		return nil, engine.Errorf(engine.KindValidation, "definition and element are required")
	}
	if tc.Event == nil {
		return nil, engine.Errorf(engine.KindValidation, "trigger event is required")
	}
	start := x.matchStart(tc.Definition, tc.Element, tc.Event)
	if start == nil {
		return nil, fmt.Errorf("%s event %q on %s: %w", tc.Event.Kind, tc.Event.Name, tc.Element.ID, ErrNoMatchingStartEvent)
	}
	sc, err := x.scopes.CreateScope(ctx, tc.ProcessInstanceID, tc.ScopeID, scope.KindEventSubProcess, tc.Element.ID)
	if err != nil {
		return nil, err
	}
	if err := x.scopes.CopyVariables(ctx, tc.ScopeID, sc.ID); err != nil {
		return nil, err
	}
	if tc.Event.Data != nil {
		if err := x.scopes.SetLocal(ctx, sc.ID, "eventData", tc.Event.Data); err != nil {
			return nil, err
		}
	}
	exec := &instance.Execution{
		ID:                uuid.NewString(),
		ProcessInstanceID: tc.ProcessInstanceID,
		ParentID:          tc.HostExecutionID,
		ElementID:         start.ID,
		ScopeID:           sc.ID,
		State:             instance.ExecReady,
		CreateTime:        x.clock.Now(),
	}
	if err := x.execs.Create(ctx, exec); err != nil {
		return nil, err
	}
	var next []string
	for _, f := range tc.Definition.OutgoingFlows(start) {
		next = append(next, f.To)
	}
	return &TriggerResult{
		StartEventID:   start.ID,
		ExecutionID:    exec.ID,
		ScopeID:        sc.ID,
		NextElementIDs: next,
		Interrupting:   start.Interrupting,
	}, nil
}

// matchStart returns the first start event whose definition matches the
// event, or nil.
func (x *Executor) matchStart(def *definition.Definition, esp *definition.Element, ev *TriggerEvent) *definition.Element {
	for _, start := range def.StartEvents(esp.ID) {
		switch ev.Kind {
		case subscription.KindSignal:
			if start.Event == definition.EventSignal && start.SignalRef == ev.Name {
				return start
			}
		case subscription.KindMessage:
			if start.Event == definition.EventMessage && start.MessageRef == ev.Name {
				return start
			}
		case subscription.KindError:
			if start.Event == definition.EventError && (start.ErrorRef == "" || start.ErrorRef == ev.Name) {
				return start
			}
		case subscription.KindTimer:
			if start.Event == definition.EventTimer && (ev.Name == "" || ev.Name == start.ID) {
				return start
			}
		case subscription.KindConditional:
			if start.Event == definition.EventConditional && (ev.Name == "" || ev.Name == start.ID) {
				return start
			}
		}
	}
	return nil
}

// Validate checks the structure of an event sub-process element. Deployment
// runs the same checks; Register repeats them so a hand-built definition
// fails loudly.
func Validate(def *definition.Definition, el *definition.Element) error {
	if el.Kind != definition.KindSubProcess || !el.TriggeredByEvent {
		return engine.Errorf(engine.KindValidation, "element %s is not an event sub-process", el.ID)
	}
	if len(el.Incoming) > 0 {
		return engine.Errorf(engine.KindValidation, "event sub-process %s cannot have incoming flows", el.ID)
	}
	starts := def.StartEvents(el.ID)
	if len(starts) == 0 {
		return engine.Errorf(engine.KindValidation, "event sub-process %s requires at least one start event", el.ID)
	}
	for _, s := range starts {
		if s.Event == "" || s.Event == definition.EventNone {
			return engine.Errorf(engine.KindValidation, "event sub-process %s start event %s requires an event definition", el.ID, s.ID)
		}
	}
	return nil
}
