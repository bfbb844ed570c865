package definition

import (
	"fmt"
	"sort"
	"strings"
)

// ExpressionChecker validates expression syntax at deploy time. Implemented
// by the engine's expression evaluator.
type ExpressionChecker interface {
	Check(expression string) error
}

// ValidationError aggregates every problem found in a definition so authors
// can fix them in one pass.
type ValidationError struct {
	Key    string
	Issues []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("definition %q is invalid: %s", e.Key, strings.Join(e.Issues, "; "))
}

// Validate checks the definition's structure, compiles every timer and,
// when check is non-nil, verifies the syntax of every expression. It also
// computes the reachability cache used by inclusive join evaluation.
// Ambiguous constructs are rejected here rather than at fire time.
func (d *Definition) Validate(check ExpressionChecker) error {
	v := &validator{def: d, check: check}
	v.run()
	if len(v.issues) > 0 {
		sort.Strings(v.issues)
		return &ValidationError{Key: d.Key, Issues: v.issues}
	}
	d.computeUpstream()
	return nil
}

type validator struct {
	def    *Definition
	check  ExpressionChecker
	issues []string
}

func (v *validator) failf(format string, args ...any) {
	v.issues = append(v.issues, fmt.Sprintf(format, args...))
}

func (v *validator) run() {
	if v.def.Key == "" {
		v.failf("definition key is required")
	}
	for id, el := range v.def.Elements {
		if id != el.ID {
			v.failf("element %q is indexed under %q", el.ID, id)
		}
		v.element(el)
	}
	for _, f := range v.def.Flows {
		v.flow(f)
	}
	v.scopes()
}

func (v *validator) element(el *Element) {
	switch el.Kind {
	case KindStartEvent:
		v.startEvent(el)
	case KindEndEvent:
		v.endEvent(el)
	case KindUserTask:
	case KindServiceTask:
		if el.Implementation == "" {
			v.failf("service task %q requires an implementation", el.ID)
		}
	case KindScriptTask:
		if el.Script == "" {
			v.failf("script task %q requires a script", el.ID)
		}
		v.expression(el.ID, el.Script)
	case KindExclusiveGateway, KindInclusiveGateway:
		v.conditionedGateway(el)
	case KindParallelGateway:
		for _, f := range v.def.OutgoingFlows(el) {
			if f.Condition != "" {
				v.failf("parallel gateway %q cannot have conditional flow %q", el.ID, f.ID)
			}
		}
	case KindSubProcess:
		if el.TriggeredByEvent {
			v.eventSubProcess(el)
		}
	case KindTransaction:
		v.transaction(el)
	case KindBoundaryEvent:
		v.boundary(el)
	case KindIntermediateCatchEvent:
		switch el.Event {
		case EventTimer, EventSignal, EventMessage, EventConditional:
		default:
			v.failf("intermediate catch event %q requires a timer, signal, message or conditional definition", el.ID)
		}
		v.eventDefinition(el)
	case KindIntermediateThrowEvent:
		switch el.Event {
		case EventSignal, EventCompensation:
		default:
			v.failf("intermediate throw event %q must throw a signal or compensation", el.ID)
		}
	default:
		v.failf("element %q has unknown kind %q", el.ID, el.Kind)
	}

	if el.ForCompensation && (len(el.Incoming) > 0 || len(el.Outgoing) > 0) {
		v.failf("compensation handler %q cannot have sequence flows", el.ID)
	}
	if el.Timer != nil {
		if err := el.Timer.Compile(); err != nil {
			v.failf("element %q: %v", el.ID, err)
		}
	}
}

func (v *validator) startEvent(el *Element) {
	if len(el.Incoming) > 0 {
		v.failf("start event %q cannot have incoming flows", el.ID)
	}
	switch el.Event {
	case EventNone, EventTimer, EventSignal, EventMessage, EventConditional:
	case EventError:
		parent, ok := v.def.Elements[el.Parent]
		if !ok || parent.Kind != KindSubProcess || !parent.TriggeredByEvent {
			v.failf("error start event %q is only allowed in an event sub-process", el.ID)
		}
	default:
		v.failf("start event %q has unsupported trigger %q", el.ID, el.Event)
	}
	v.eventDefinition(el)
}

func (v *validator) endEvent(el *Element) {
	if len(el.Outgoing) > 0 {
		v.failf("end event %q cannot have outgoing flows", el.ID)
	}
	switch el.Event {
	case EventError:
		if el.ErrorRef == "" {
			v.failf("error end event %q requires an error code", el.ID)
		}
	case EventCancel:
		parent, ok := v.def.Elements[el.Parent]
		if !ok || parent.Kind != KindTransaction {
			v.failf("cancel end event %q is only allowed inside a transaction", el.ID)
		}
	case EventNone, EventTerminate, EventCompensation, EventSignal:
	default:
		v.failf("end event %q has unsupported result %q", el.ID, el.Event)
	}
}

func (v *validator) conditionedGateway(el *Element) {
	if el.Default != "" {
		found := false
		for _, fid := range el.Outgoing {
			if fid == el.Default {
				found = true
				break
			}
		}
		if !found {
			v.failf("gateway %q default flow %q is not one of its outgoing flows", el.ID, el.Default)
		}
		if f, ok := v.def.Flows[el.Default]; ok && f.Condition != "" {
			v.failf("gateway %q default flow %q cannot carry a condition", el.ID, el.Default)
		}
	}
}

func (v *validator) eventSubProcess(el *Element) {
	if !el.TriggeredByEvent {
		v.failf("event sub-process %q must set triggeredByEvent", el.ID)
	}
	if len(el.Incoming) > 0 {
		v.failf("event sub-process %q cannot have incoming flows", el.ID)
	}
	starts := v.def.StartEvents(el.ID)
	if len(starts) == 0 {
		v.failf("event sub-process %q requires at least one start event", el.ID)
	}
	for _, s := range starts {
		if s.Event == EventNone {
			v.failf("event sub-process %q start event %q requires an event definition", el.ID, s.ID)
		}
	}
}

func (v *validator) transaction(el *Element) {
	hasCancelEnd := false
	for _, c := range v.def.ChildrenOf(el.ID) {
		if c.Kind == KindEndEvent && c.Event == EventCancel {
			hasCancelEnd = true
			break
		}
	}
	if !hasCancelEnd {
		return
	}
	for _, b := range v.def.Boundaries(el.ID) {
		if b.Event == EventCancel {
			return
		}
	}
	v.failf("transaction %q contains a cancel end event but no cancel boundary event", el.ID)
}

func (v *validator) boundary(el *Element) {
	host, ok := v.def.Elements[el.AttachedTo]
	if !ok {
		v.failf("boundary event %q is attached to unknown element %q", el.ID, el.AttachedTo)
		return
	}
	if !host.IsActivity() {
		v.failf("boundary event %q must attach to an activity, not %q", el.ID, host.Kind)
	}
	if el.Parent != host.Parent {
		v.failf("boundary event %q must live in the same scope as its host %q", el.ID, host.ID)
	}
	if len(el.Incoming) > 0 {
		v.failf("boundary event %q cannot have incoming flows", el.ID)
	}
	switch el.Event {
	case EventNone:
		v.failf("boundary event %q requires an event definition", el.ID)
	case EventError:
		if !el.Interrupting {
			v.failf("error boundary event %q must be interrupting", el.ID)
		}
	case EventCancel:
		if host.Kind != KindTransaction {
			v.failf("cancel boundary event %q can only attach to a transaction", el.ID)
		}
		if !el.Interrupting {
			v.failf("cancel boundary event %q must be interrupting", el.ID)
		}
	case EventCompensation:
		v.compensationBoundary(el)
		return
	}
	if len(el.Outgoing) == 0 {
		v.failf("boundary event %q requires an outgoing flow", el.ID)
	}
	v.eventDefinition(el)
}

func (v *validator) compensationBoundary(el *Element) {
	if len(el.Outgoing) > 0 {
		v.failf("compensation boundary event %q cannot have outgoing flows", el.ID)
	}
	if el.CompensationHandler == "" {
		v.failf("compensation boundary event %q requires a handler activity", el.ID)
		return
	}
	handler, ok := v.def.Elements[el.CompensationHandler]
	if !ok {
		v.failf("compensation boundary event %q references unknown handler %q", el.ID, el.CompensationHandler)
		return
	}
	if !handler.ForCompensation {
		v.failf("compensation handler %q must be marked for compensation", handler.ID)
	}
	if !handler.IsActivity() {
		v.failf("compensation handler %q must be an activity", handler.ID)
	}
}

// eventDefinition checks the attribute matching the element's event kind.
func (v *validator) eventDefinition(el *Element) {
	switch el.Event {
	case EventSignal:
		if el.SignalRef == "" {
			v.failf("element %q requires a signal reference", el.ID)
		}
	case EventMessage:
		if el.MessageRef == "" {
			v.failf("element %q requires a message reference", el.ID)
		}
	case EventTimer:
		if el.Timer == nil {
			v.failf("element %q requires a timer definition", el.ID)
		}
	case EventConditional:
		if el.Condition == "" {
			v.failf("element %q requires a condition expression", el.ID)
		} else {
			v.expression(el.ID, el.Condition)
		}
	}
}

func (v *validator) flow(f *SequenceFlow) {
	src, okFrom := v.def.Elements[f.From]
	dst, okTo := v.def.Elements[f.To]
	if !okFrom {
		v.failf("flow %q references unknown source %q", f.ID, f.From)
	}
	if !okTo {
		v.failf("flow %q references unknown target %q", f.ID, f.To)
	}
	if !okFrom || !okTo {
		return
	}
	if src.Kind == KindEndEvent {
		v.failf("flow %q leaves end event %q", f.ID, f.From)
	}
	if dst.Kind == KindStartEvent {
		v.failf("flow %q enters start event %q", f.ID, f.To)
	}
	if dst.Kind == KindBoundaryEvent {
		v.failf("flow %q enters boundary event %q", f.ID, f.To)
	}
	if dst.Kind == KindSubProcess && dst.TriggeredByEvent {
		v.failf("flow %q enters event sub-process %q", f.ID, f.To)
	}
	if src.Kind == KindSubProcess && src.TriggeredByEvent {
		v.failf("flow %q leaves event sub-process %q", f.ID, f.From)
	}
	if src.Parent != dst.Parent {
		v.failf("flow %q crosses scopes (%q to %q)", f.ID, f.From, f.To)
	}
	v.expression(f.ID, f.Condition)
}

// scopes applies the per-scope start event rules.
func (v *validator) scopes() {
	v.scopeStarts("", "process")
	for _, el := range v.def.Elements {
		if el.Kind == KindSubProcess && !el.TriggeredByEvent || el.Kind == KindTransaction {
			v.scopeStarts(el.ID, "sub-process "+el.ID)
		}
	}
}

func (v *validator) scopeStarts(parent, label string) {
	var none, event int
	for _, s := range v.def.StartEvents(parent) {
		if s.Event == EventNone {
			none++
		} else {
			event++
		}
	}
	if none > 1 {
		v.failf("%s declares %d none start events, at most one is allowed", label, none)
	}
	if parent != "" && none == 0 {
		v.failf("%s requires exactly one none start event", label)
	}
	if parent != "" && event > 0 {
		v.failf("%s cannot declare event start events", label)
	}
}

func (v *validator) expression(where, expression string) {
	if expression == "" || v.check == nil {
		return
	}
	if err := v.check.Check(expression); err != nil {
		v.failf("%s: %v", where, err)
	}
}

// computeUpstream builds, for every sequence flow, the set of element IDs
// from which a token can still reach that flow. Inclusive joins consult the
// sets to decide whether a missing incoming token can still arrive. Event
// sub-processes are excluded: their activation is not part of sequence flow
// reachability.
func (d *Definition) computeUpstream() {
	preds := make(map[string][]string, len(d.Elements))
	for _, f := range d.Flows {
		preds[f.To] = append(preds[f.To], f.From)
	}
	for _, el := range d.Elements {
		if el.IsScope() && !el.TriggeredByEvent {
			preds[el.ID] = append(preds[el.ID], el.Children...)
		}
		if el.Kind == KindBoundaryEvent && el.AttachedTo != "" {
			preds[el.ID] = append(preds[el.ID], el.AttachedTo)
		}
	}
	d.upstream = make(map[string]map[string]bool, len(d.Flows))
	for fid, f := range d.Flows {
		set := make(map[string]bool)
		queue := []string{f.From}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if set[id] {
				continue
			}
			set[id] = true
			queue = append(queue, preds[id]...)
		}
		d.upstream[fid] = set
	}
}
