package definition

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/flow/runtime/process/engine"
)

//go:embed schema.json
var documentSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

type (
	// Document is the serialized form of a definition. It is what the store
	// persists and what external tooling submits to Deploy.
	Document struct {
		ID       string            `json:"id,omitempty"`
		Key      string            `json:"key"`
		Version  int               `json:"version,omitempty"`
		Name     string            `json:"name,omitempty"`
		Elements []ElementDocument `json:"elements"`
		Flows    []FlowDocument    `json:"flows,omitempty"`
	}

	// ElementDocument is the serialized form of one element. Nesting is
	// expressed through the parent reference so the list stays flat.
	ElementDocument struct {
		ID                  string         `json:"id"`
		Kind                string         `json:"kind"`
		Name                string         `json:"name,omitempty"`
		Parent              string         `json:"parent,omitempty"`
		Event               string         `json:"event,omitempty"`
		TriggeredByEvent    bool           `json:"triggeredByEvent,omitempty"`
		Interrupting        *bool          `json:"interrupting,omitempty"`
		AttachedTo          string         `json:"attachedTo,omitempty"`
		SignalRef           string         `json:"signalRef,omitempty"`
		MessageRef          string         `json:"messageRef,omitempty"`
		ErrorRef            string         `json:"errorRef,omitempty"`
		Timer               *TimerDocument `json:"timer,omitempty"`
		Condition           string         `json:"condition,omitempty"`
		CompensationHandler string         `json:"compensationHandler,omitempty"`
		ForCompensation     bool           `json:"forCompensation,omitempty"`
		Default             string         `json:"default,omitempty"`
		Script              string         `json:"script,omitempty"`
		ResultVariable      string         `json:"resultVariable,omitempty"`
		Implementation      string         `json:"implementation,omitempty"`
		Async               bool           `json:"async,omitempty"`
		Assignee            string         `json:"assignee,omitempty"`
		Retry               *RetryDocument `json:"retry,omitempty"`
	}

	// TimerDocument carries exactly one timer dialect.
	TimerDocument struct {
		Date     string `json:"date,omitempty"`
		Duration string `json:"duration,omitempty"`
		Cycle    string `json:"cycle,omitempty"`
		Cron     string `json:"cron,omitempty"`
	}

	// FlowDocument is the serialized form of one sequence flow. List order
	// is significant: it fixes the evaluation order of gateway conditions.
	FlowDocument struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		To        string `json:"to"`
		Condition string `json:"condition,omitempty"`
	}

	// RetryDocument is the serialized work-unit retry override.
	RetryDocument struct {
		MaxAttempts        int     `json:"maxAttempts,omitempty"`
		InitialInterval    string  `json:"initialInterval,omitempty"`
		BackoffCoefficient float64 `json:"backoffCoefficient,omitempty"`
	}
)

// ParseDocument validates raw JSON against the document schema and decodes
// it. Schema violations surface as validation errors with the compiler's
// diagnostics intact.
func ParseDocument(data []byte) (*Document, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, engine.Wrap(engine.KindValidation, "decode definition document", err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, engine.Wrap(engine.KindValidation, "definition document does not match schema", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engine.Wrap(engine.KindValidation, "decode definition document", err)
	}
	return &doc, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var schemaDoc any
		if err := json.Unmarshal(documentSchema, &schemaDoc); err != nil {
			schemaErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", schemaDoc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("schema.json")
	})
	return compiledSchema, schemaErr
}

// Compile rebuilds the executable definition from its serialized form and
// validates it. The expression checker may be nil to skip syntax checks.
func (doc *Document) Compile(check ExpressionChecker) (*Definition, error) {
	d := &Definition{
		ID:       doc.ID,
		Key:      doc.Key,
		Version:  doc.Version,
		Name:     doc.Name,
		Elements: make(map[string]*Element, len(doc.Elements)),
		Flows:    make(map[string]*SequenceFlow, len(doc.Flows)),
	}
	for i := range doc.Elements {
		ed := &doc.Elements[i]
		if _, ok := d.Elements[ed.ID]; ok {
			return nil, engine.Errorf(engine.KindValidation, "duplicate element ID %q", ed.ID)
		}
		el, err := ed.element()
		if err != nil {
			return nil, err
		}
		d.Elements[el.ID] = el
	}
	// Link children in document order.
	for i := range doc.Elements {
		ed := &doc.Elements[i]
		if ed.Parent == "" {
			continue
		}
		parent, ok := d.Elements[ed.Parent]
		if !ok {
			return nil, engine.Errorf(engine.KindValidation, "element %q references unknown parent %q", ed.ID, ed.Parent)
		}
		if !parent.IsScope() {
			return nil, engine.Errorf(engine.KindValidation, "element %q cannot be nested in %q", ed.ID, parent.Kind)
		}
		parent.Children = append(parent.Children, ed.ID)
	}
	for i := range doc.Flows {
		fd := &doc.Flows[i]
		if _, ok := d.Flows[fd.ID]; ok {
			return nil, engine.Errorf(engine.KindValidation, "duplicate flow ID %q", fd.ID)
		}
		d.Flows[fd.ID] = &SequenceFlow{ID: fd.ID, From: fd.From, To: fd.To, Condition: fd.Condition}
		if src, ok := d.Elements[fd.From]; ok {
			src.Outgoing = append(src.Outgoing, fd.ID)
		}
		if dst, ok := d.Elements[fd.To]; ok {
			dst.Incoming = append(dst.Incoming, fd.ID)
		}
	}
	if err := d.Validate(check); err != nil {
		return nil, engine.Wrap(engine.KindValidation, "compile definition document", err)
	}
	return d, nil
}

func (ed *ElementDocument) element() (*Element, error) {
	el := &Element{
		ID:                  ed.ID,
		Name:                ed.Name,
		Kind:                ElementKind(ed.Kind),
		Parent:              ed.Parent,
		Event:               EventNone,
		TriggeredByEvent:    ed.TriggeredByEvent,
		AttachedTo:          ed.AttachedTo,
		SignalRef:           ed.SignalRef,
		MessageRef:          ed.MessageRef,
		ErrorRef:            ed.ErrorRef,
		Condition:           ed.Condition,
		CompensationHandler: ed.CompensationHandler,
		ForCompensation:     ed.ForCompensation,
		Default:             ed.Default,
		Script:              ed.Script,
		ResultVariable:      ed.ResultVariable,
		Implementation:      ed.Implementation,
		Async:               ed.Async,
		Assignee:            ed.Assignee,
	}
	if ed.Event != "" {
		el.Event = EventKind(ed.Event)
	}
	// Boundary and start events interrupt unless the document says otherwise.
	el.Interrupting = ed.Interrupting == nil || *ed.Interrupting
	if ed.Timer != nil {
		el.Timer = &TimerDefinition{
			Date:     ed.Timer.Date,
			Duration: ed.Timer.Duration,
			Cycle:    ed.Timer.Cycle,
			Cron:     ed.Timer.Cron,
		}
	}
	if ed.Retry != nil {
		rp := &engine.RetryPolicy{
			MaxAttempts:        ed.Retry.MaxAttempts,
			BackoffCoefficient: ed.Retry.BackoffCoefficient,
		}
		if ed.Retry.InitialInterval != "" {
			iv, err := time.ParseDuration(ed.Retry.InitialInterval)
			if err != nil {
				return nil, engine.Errorf(engine.KindValidation, "element %q: invalid retry interval %q", ed.ID, ed.Retry.InitialInterval)
			}
			rp.InitialInterval = iv
		}
		el.Retry = rp
	}
	return el, nil
}

// Document serializes the definition. Elements are emitted depth first with
// scope children kept in declaration order; flows follow each source
// element's outgoing order so gateway evaluation order survives the round
// trip.
func (d *Definition) Document() *Document {
	doc := &Document{
		ID:      d.ID,
		Key:     d.Key,
		Version: d.Version,
		Name:    d.Name,
	}
	roots := d.Roots()
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	var emit func(el *Element)
	emit = func(el *Element) {
		doc.Elements = append(doc.Elements, elementDocument(el))
		for _, fid := range el.Outgoing {
			if f, ok := d.Flows[fid]; ok {
				doc.Flows = append(doc.Flows, FlowDocument{ID: f.ID, From: f.From, To: f.To, Condition: f.Condition})
			}
		}
		for _, child := range d.ChildrenOf(el.ID) {
			emit(child)
		}
	}
	for _, root := range roots {
		emit(root)
	}
	return doc
}

func elementDocument(el *Element) ElementDocument {
	ed := ElementDocument{
		ID:                  el.ID,
		Kind:                string(el.Kind),
		Name:                el.Name,
		Parent:              el.Parent,
		TriggeredByEvent:    el.TriggeredByEvent,
		AttachedTo:          el.AttachedTo,
		SignalRef:           el.SignalRef,
		MessageRef:          el.MessageRef,
		ErrorRef:            el.ErrorRef,
		Condition:           el.Condition,
		CompensationHandler: el.CompensationHandler,
		ForCompensation:     el.ForCompensation,
		Default:             el.Default,
		Script:              el.Script,
		ResultVariable:      el.ResultVariable,
		Implementation:      el.Implementation,
		Async:               el.Async,
		Assignee:            el.Assignee,
	}
	if el.Event != EventNone {
		ed.Event = string(el.Event)
	}
	if !el.Interrupting && (el.Kind == KindBoundaryEvent || el.Kind == KindStartEvent) {
		interrupting := false
		ed.Interrupting = &interrupting
	}
	if el.Timer != nil {
		ed.Timer = &TimerDocument{
			Date:     el.Timer.Date,
			Duration: el.Timer.Duration,
			Cycle:    el.Timer.Cycle,
			Cron:     el.Timer.Cron,
		}
	}
	if el.Retry != nil {
		ed.Retry = &RetryDocument{
			MaxAttempts:        el.Retry.MaxAttempts,
			BackoffCoefficient: el.Retry.BackoffCoefficient,
		}
		if el.Retry.InitialInterval > 0 {
			ed.Retry.InitialInterval = el.Retry.InitialInterval.String()
		}
	}
	return ed
}
