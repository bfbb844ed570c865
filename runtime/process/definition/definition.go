// Package definition models deployable process definitions: a directed graph
// of elements connected by sequence flows, plus the deploy-time analyses the
// interpreter relies on (timer schedules, expression syntax checks, inclusive
// join reachability).
//
// Definitions are immutable after deployment. Elements reference one another
// by ID only; the graph carries no object cycles.
package definition

import (
	"goa.design/flow/runtime/process/engine"
)

// ElementKind identifies the behavior attached to an element.
type ElementKind string

const (
	KindStartEvent             ElementKind = "startEvent"
	KindEndEvent               ElementKind = "endEvent"
	KindUserTask               ElementKind = "userTask"
	KindServiceTask            ElementKind = "serviceTask"
	KindScriptTask             ElementKind = "scriptTask"
	KindExclusiveGateway       ElementKind = "exclusiveGateway"
	KindInclusiveGateway       ElementKind = "inclusiveGateway"
	KindParallelGateway        ElementKind = "parallelGateway"
	KindSubProcess             ElementKind = "subProcess"
	KindTransaction            ElementKind = "transaction"
	KindBoundaryEvent          ElementKind = "boundaryEvent"
	KindIntermediateCatchEvent ElementKind = "intermediateCatchEvent"
	KindIntermediateThrowEvent ElementKind = "intermediateThrowEvent"
)

// EventKind classifies the event definition carried by an event element:
// the trigger of a start/catch event or the result of an end/throw event.
type EventKind string

const (
	EventNone         EventKind = "none"
	EventTimer        EventKind = "timer"
	EventSignal       EventKind = "signal"
	EventMessage      EventKind = "message"
	EventError        EventKind = "error"
	EventConditional  EventKind = "conditional"
	EventCompensation EventKind = "compensation"
	EventTerminate    EventKind = "terminate"
	EventCancel       EventKind = "cancel"
)

type (
	// Definition is a deployed process graph. Instances of it are immutable:
	// the registry hands out the same pointer to every caller and nothing in
	// the engine mutates a definition after Validate.
	Definition struct {
		// ID is the unique identifier of this deployed version.
		ID string
		// Key groups versions of the same logical process.
		Key string
		// Version is assigned by the registry, starting at 1 per key.
		Version int
		// Name is the human-readable process name.
		Name string
		// Elements indexes every element, including nested ones, by ID.
		Elements map[string]*Element
		// Flows indexes every sequence flow by ID.
		Flows map[string]*SequenceFlow

		// upstream caches, per sequence flow, the set of element IDs from
		// which a token can still reach that flow. Computed by Validate and
		// consulted by inclusive join evaluation.
		upstream map[string]map[string]bool
	}

	// Element is one node of the process graph. Kind-specific attributes are
	// left zero for kinds that do not use them.
	Element struct {
		ID   string
		Name string
		Kind ElementKind
		// Incoming and Outgoing list sequence flow IDs.
		Incoming []string
		Outgoing []string
		// Parent is the enclosing sub-process element ID, empty at process
		// level. Boundary events live in the scope of their host's parent.
		Parent string
		// Children lists direct child element IDs for sub-process kinds.
		Children []string

		// Event classifies the event definition of event elements.
		Event EventKind
		// TriggeredByEvent marks a sub-process started by an event rather
		// than by an incoming flow.
		TriggeredByEvent bool
		// Interrupting applies to boundary events and event sub-process
		// start events.
		Interrupting bool
		// AttachedTo is the host activity ID of a boundary event.
		AttachedTo string

		// SignalRef, MessageRef and ErrorRef name the broadcast signal, the
		// message and the BPMN error code an event element refers to. An
		// empty ErrorRef on a catching element matches any thrown error.
		SignalRef  string
		MessageRef string
		ErrorRef   string
		// Timer is the timer event definition.
		Timer *TimerDefinition
		// Condition is the gating expression of a conditional event.
		Condition string

		// CompensationHandler is the element ID of the compensation handler
		// activity associated with this element's compensation boundary.
		CompensationHandler string
		// ForCompensation marks an activity that only runs as a compensation
		// handler and takes no part in normal sequence flow.
		ForCompensation bool

		// Default is the default outgoing flow ID of a gateway.
		Default string

		// Script and ResultVariable configure script tasks.
		Script         string
		ResultVariable string
		// Implementation keys the registered handler of a service task.
		Implementation string
		// Async marks a service task whose handler completes out of band.
		Async bool
		// Assignee pre-assigns a user task.
		Assignee string
		// Retry overrides the work-unit retry policy for this element.
		Retry *engine.RetryPolicy
	}

	// SequenceFlow connects two elements. Condition, when set, must evaluate
	// to a boolean; it gates the flow on exclusive and inclusive gateways.
	SequenceFlow struct {
		ID        string
		From      string
		To        string
		Condition string
	}
)

// Element returns the element with the given ID.
func (d *Definition) Element(id string) (*Element, bool) {
	el, ok := d.Elements[id]
	return el, ok
}

// Flow returns the sequence flow with the given ID.
func (d *Definition) Flow(id string) (*SequenceFlow, bool) {
	f, ok := d.Flows[id]
	return f, ok
}

// Roots returns the process-level elements in no particular order.
func (d *Definition) Roots() []*Element {
	var roots []*Element
	for _, el := range d.Elements {
		if el.Parent == "" {
			roots = append(roots, el)
		}
	}
	return roots
}

// ChildrenOf returns the direct children of the given sub-process element.
func (d *Definition) ChildrenOf(id string) []*Element {
	el, ok := d.Elements[id]
	if !ok {
		return nil
	}
	children := make([]*Element, 0, len(el.Children))
	for _, cid := range el.Children {
		if c, ok := d.Elements[cid]; ok {
			children = append(children, c)
		}
	}
	return children
}

// StartEvents returns the start events directly contained in the given
// scope element ("" for the process level), filtered by trigger kind when
// kinds are supplied.
func (d *Definition) StartEvents(parent string, kinds ...EventKind) []*Element {
	var starts []*Element
	for _, el := range d.Elements {
		if el.Kind != KindStartEvent || el.Parent != parent {
			continue
		}
		if len(kinds) == 0 {
			starts = append(starts, el)
			continue
		}
		for _, k := range kinds {
			if el.Event == k {
				starts = append(starts, el)
				break
			}
		}
	}
	return starts
}

// Boundaries returns the boundary events attached to the given activity.
func (d *Definition) Boundaries(attachedTo string) []*Element {
	var bounds []*Element
	for _, el := range d.Elements {
		if el.Kind == KindBoundaryEvent && el.AttachedTo == attachedTo {
			bounds = append(bounds, el)
		}
	}
	return bounds
}

// OutgoingFlows returns the outgoing sequence flows of el in declaration
// order.
func (d *Definition) OutgoingFlows(el *Element) []*SequenceFlow {
	flows := make([]*SequenceFlow, 0, len(el.Outgoing))
	for _, fid := range el.Outgoing {
		if f, ok := d.Flows[fid]; ok {
			flows = append(flows, f)
		}
	}
	return flows
}

// IncomingFlows returns the incoming sequence flows of el in declaration
// order.
func (d *Definition) IncomingFlows(el *Element) []*SequenceFlow {
	flows := make([]*SequenceFlow, 0, len(el.Incoming))
	for _, fid := range el.Incoming {
		if f, ok := d.Flows[fid]; ok {
			flows = append(flows, f)
		}
	}
	return flows
}

// UpstreamOf returns the set of element IDs from which a token can still
// reach the given sequence flow. Populated by Validate; nil before.
func (d *Definition) UpstreamOf(flowID string) map[string]bool {
	if d.upstream == nil {
		return nil
	}
	return d.upstream[flowID]
}

// EventSubProcesses returns the event sub-processes directly contained in
// the given scope element ("" for the process level).
func (d *Definition) EventSubProcesses(parent string) []*Element {
	var subs []*Element
	for _, el := range d.Elements {
		if el.Kind == KindSubProcess && el.TriggeredByEvent && el.Parent == parent {
			subs = append(subs, el)
		}
	}
	return subs
}

// IsActivity reports whether the element kind is an activity that boundary
// events may attach to and history records.
func (e *Element) IsActivity() bool {
	switch e.Kind {
	case KindUserTask, KindServiceTask, KindScriptTask, KindSubProcess, KindTransaction:
		return true
	default:
		return false
	}
}

// IsGateway reports whether the element is a gateway.
func (e *Element) IsGateway() bool {
	switch e.Kind {
	case KindExclusiveGateway, KindInclusiveGateway, KindParallelGateway:
		return true
	default:
		return false
	}
}

// IsScope reports whether the element opens a variable scope of its own.
func (e *Element) IsScope() bool {
	switch e.Kind {
	case KindSubProcess, KindTransaction:
		return true
	default:
		return false
	}
}
