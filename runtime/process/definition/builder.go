package definition

import (
	"fmt"

	"goa.design/flow/runtime/process/engine"
)

type (
	// Builder assembles a Definition in code. Methods chain; the first error
	// sticks and is returned by Build. Elements must be declared before the
	// flows that connect them so flow declaration order is meaningful (it is
	// the evaluation order of gateway conditions).
	Builder struct {
		def     *Definition
		parent  string
		flowSeq *int
		err     *error
	}

	// Option customizes an element at declaration time.
	Option func(*Element)
)

// NewBuilder starts a definition with the given key.
func NewBuilder(key string) *Builder {
	seq := 0
	var err error
	return &Builder{
		def: &Definition{
			Key:      key,
			Name:     key,
			Elements: make(map[string]*Element),
			Flows:    make(map[string]*SequenceFlow),
		},
		flowSeq: &seq,
		err:     &err,
	}
}

// Named sets the process name.
func (b *Builder) Named(name string) *Builder {
	b.def.Name = name
	return b
}

// Name sets the element name.
func Name(name string) Option {
	return func(e *Element) { e.Name = name }
}

// Signal makes the event element refer to the named broadcast signal.
func Signal(ref string) Option {
	return func(e *Element) {
		e.Event = EventSignal
		e.SignalRef = ref
	}
}

// Message makes the event element refer to the named message.
func Message(ref string) Option {
	return func(e *Element) {
		e.Event = EventMessage
		e.MessageRef = ref
	}
}

// ErrorCode makes the event element throw or catch the given BPMN error
// code. An empty code on a catching element matches any error.
func ErrorCode(code string) Option {
	return func(e *Element) {
		e.Event = EventError
		e.ErrorRef = code
	}
}

// Timer attaches a timer event definition.
func Timer(def TimerDefinition) Option {
	return func(e *Element) {
		e.Event = EventTimer
		e.Timer = &def
	}
}

// ConditionalOn attaches a conditional event definition gated by expr.
func ConditionalOn(expr string) Option {
	return func(e *Element) {
		e.Event = EventConditional
		e.Condition = expr
	}
}

// Terminate makes an end event terminate every sibling execution in its
// scope.
func Terminate() Option {
	return func(e *Element) { e.Event = EventTerminate }
}

// Cancel marks a cancel end event (inside a transaction) or a cancel
// boundary event (on a transaction).
func Cancel() Option {
	return func(e *Element) { e.Event = EventCancel }
}

// Compensation marks a compensation end or throw event, which triggers
// compensation of the enclosing scope.
func Compensation() Option {
	return func(e *Element) { e.Event = EventCompensation }
}

// CompensationHandler marks a compensation boundary event and associates
// the handler activity that performs the compensation.
func CompensationHandler(handlerID string) Option {
	return func(e *Element) {
		e.Event = EventCompensation
		e.CompensationHandler = handlerID
	}
}

// NonInterrupting makes a boundary event or event sub-process start event
// leave its host running when it fires.
func NonInterrupting() Option {
	return func(e *Element) { e.Interrupting = false }
}

// Assignee pre-assigns a user task.
func Assignee(user string) Option {
	return func(e *Element) { e.Assignee = user }
}

// Async marks a service task whose handler completes out of band.
func Async() Option {
	return func(e *Element) { e.Async = true }
}

// Retry sets the element retry policy.
func Retry(policy engine.RetryPolicy) Option {
	return func(e *Element) { e.Retry = &policy }
}

// ForCompensation marks an activity that only runs as a compensation
// handler.
func ForCompensation() Option {
	return func(e *Element) { e.ForCompensation = true }
}

// StartEvent declares a start event.
func (b *Builder) StartEvent(id string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindStartEvent, Event: EventNone, Interrupting: true}, opts)
}

// EndEvent declares an end event.
func (b *Builder) EndEvent(id string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindEndEvent, Event: EventNone}, opts)
}

// UserTask declares a user task.
func (b *Builder) UserTask(id string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindUserTask}, opts)
}

// ServiceTask declares a service task bound to the named handler.
func (b *Builder) ServiceTask(id, implementation string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindServiceTask, Implementation: implementation}, opts)
}

// ScriptTask declares a script task. The script is an expression evaluated
// against the task scope; its value is stored in resultVariable when set.
func (b *Builder) ScriptTask(id, script, resultVariable string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindScriptTask, Script: script, ResultVariable: resultVariable}, opts)
}

// ExclusiveGateway declares an XOR gateway.
func (b *Builder) ExclusiveGateway(id string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindExclusiveGateway}, opts)
}

// InclusiveGateway declares an OR gateway.
func (b *Builder) InclusiveGateway(id string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindInclusiveGateway}, opts)
}

// ParallelGateway declares an AND gateway.
func (b *Builder) ParallelGateway(id string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindParallelGateway}, opts)
}

// SubProcess declares an embedded sub-process and populates its children
// through the nested builder passed to build.
func (b *Builder) SubProcess(id string, build func(*Builder), opts ...Option) *Builder {
	return b.addScope(&Element{ID: id, Kind: KindSubProcess}, build, opts)
}

// Transaction declares a transaction sub-process.
func (b *Builder) Transaction(id string, build func(*Builder), opts ...Option) *Builder {
	return b.addScope(&Element{ID: id, Kind: KindTransaction}, build, opts)
}

// EventSubProcess declares an event sub-process. Its start events define
// the triggers; it must not be targeted by sequence flows.
func (b *Builder) EventSubProcess(id string, build func(*Builder), opts ...Option) *Builder {
	return b.addScope(&Element{ID: id, Kind: KindSubProcess, TriggeredByEvent: true}, build, opts)
}

// BoundaryEvent declares a boundary event attached to the given activity.
// Boundary events are interrupting unless NonInterrupting is applied.
func (b *Builder) BoundaryEvent(id, attachedTo string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindBoundaryEvent, AttachedTo: attachedTo, Interrupting: true}, opts)
}

// CatchEvent declares an intermediate catch event.
func (b *Builder) CatchEvent(id string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindIntermediateCatchEvent}, opts)
}

// ThrowEvent declares an intermediate throw event.
func (b *Builder) ThrowEvent(id string, opts ...Option) *Builder {
	return b.add(&Element{ID: id, Kind: KindIntermediateThrowEvent}, opts)
}

// Flow connects from to to. An optional condition expression gates the flow
// on exclusive and inclusive gateways. Declaration order is preserved and
// is the order gateway conditions are evaluated in.
func (b *Builder) Flow(from, to string, condition ...string) *Builder {
	b.flow(from, to, first(condition), false)
	return b
}

// DefaultFlow connects from to to and marks the flow as the gateway's
// default, taken when no conditional flow matches.
func (b *Builder) DefaultFlow(from, to string) *Builder {
	b.flow(from, to, "", true)
	return b
}

// Build finalizes the definition and validates its structure. Expression
// syntax is checked at deploy time when the registry has a checker.
func (b *Builder) Build() (*Definition, error) {
	if *b.err != nil {
		return nil, *b.err
	}
	if err := b.def.Validate(nil); err != nil {
		return nil, err
	}
	return b.def, nil
}

func (b *Builder) add(el *Element, opts []Option) *Builder {
	if *b.err != nil {
		return b
	}
	if el.ID == "" {
		b.fail(fmt.Errorf("element id is required"))
		return b
	}
	if _, exists := b.def.Elements[el.ID]; exists {
		b.fail(fmt.Errorf("duplicate element id %q", el.ID))
		return b
	}
	el.Parent = b.parent
	for _, opt := range opts {
		opt(el)
	}
	b.def.Elements[el.ID] = el
	if b.parent != "" {
		parent := b.def.Elements[b.parent]
		parent.Children = append(parent.Children, el.ID)
	}
	return b
}

func (b *Builder) addScope(el *Element, build func(*Builder), opts []Option) *Builder {
	b.add(el, opts)
	if *b.err != nil || build == nil {
		return b
	}
	build(&Builder{def: b.def, parent: el.ID, flowSeq: b.flowSeq, err: b.err})
	return b
}

func (b *Builder) flow(from, to, condition string, isDefault bool) {
	if *b.err != nil {
		return
	}
	src, ok := b.def.Elements[from]
	if !ok {
		b.fail(fmt.Errorf("flow source %q is not declared", from))
		return
	}
	dst, ok := b.def.Elements[to]
	if !ok {
		b.fail(fmt.Errorf("flow target %q is not declared", to))
		return
	}
	*b.flowSeq++
	f := &SequenceFlow{
		ID:        fmt.Sprintf("f%d", *b.flowSeq),
		From:      from,
		To:        to,
		Condition: condition,
	}
	b.def.Flows[f.ID] = f
	src.Outgoing = append(src.Outgoing, f.ID)
	dst.Incoming = append(dst.Incoming, f.ID)
	if isDefault {
		src.Default = f.ID
	}
}

func (b *Builder) fail(err error) {
	if *b.err == nil {
		*b.err = err
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
