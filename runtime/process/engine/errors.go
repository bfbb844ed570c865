// Package engine holds the vocabulary shared by every layer of the process
// runtime: the error taxonomy and the element retry policy.
//
// Errors carry a Kind so callers can branch on category with errors.Is
// against the exported sentinels without inspecting messages:
//
//	if errors.Is(err, engine.ErrNotFound) { ... }
//
// BPMN errors additionally carry the thrown error code used to match
// catching boundary events and event sub-processes.
package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. The taxonomy drives retry and incident
// policy in the interpreter.
type Kind int

const (
	// KindNotFound reports a lookup by ID that matched nothing. Surfaced to
	// the caller, never retried.
	KindNotFound Kind = iota + 1
	// KindConflict reports a state-machine violation such as completing an
	// already completed instance. Surfaced, never retried.
	KindConflict
	// KindValidation reports invalid input rejected before execution: a
	// malformed definition document, deploy-time structure violations, bad
	// variable payloads. Surfaced, never retried.
	KindValidation
	// KindExpressionSyntax reports a malformed expression.
	KindExpressionSyntax
	// KindExpressionRuntime reports an expression that failed to evaluate,
	// including references to undefined variables.
	KindExpressionRuntime
	// KindBpmnError is a named business error thrown by a service task or an
	// error end event; it propagates outward until a catch matches.
	KindBpmnError
	// KindSubscriptionCreateFailed reports a registry write failure.
	KindSubscriptionCreateFailed
	// KindCompensationHandlerFailed reports a single compensation handler
	// failure; replay of the remaining handlers continues.
	KindCompensationHandlerFailed
	// KindOutboxPublishFailed reports a bus publish failure for an outbox row.
	KindOutboxPublishFailed
	// KindInternal covers unexpected defects.
	KindInternal
)

// Sentinels for errors.Is matching by kind.
var (
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrConflict                  = &Error{Kind: KindConflict}
	ErrValidation                = &Error{Kind: KindValidation}
	ErrExpressionSyntax          = &Error{Kind: KindExpressionSyntax}
	ErrExpressionRuntime         = &Error{Kind: KindExpressionRuntime}
	ErrBpmnError                 = &Error{Kind: KindBpmnError}
	ErrSubscriptionCreateFailed  = &Error{Kind: KindSubscriptionCreateFailed}
	ErrCompensationHandlerFailed = &Error{Kind: KindCompensationHandlerFailed}
	ErrOutboxPublishFailed       = &Error{Kind: KindOutboxPublishFailed}
	ErrInternal                  = &Error{Kind: KindInternal}
)

// ErrNoOutgoingFlow reports a gateway whose conditions selected no outgoing
// flow and that has no default flow to fall back on.
var ErrNoOutgoingFlow = &Error{Kind: KindConflict, Message: "no outgoing flow selected"}

// Error is a categorized engine error. Code is set only for KindBpmnError
// and holds the thrown BPMN error code.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Cause   error
}

// Errorf constructs an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that wraps cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// BPMN constructs a KindBpmnError with the thrown error code.
func BPMN(code, msg string) *Error {
	if msg == "" {
		msg = "bpmn error " + code
	}
	return &Error{Kind: KindBpmnError, Code: code, Message: msg}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = kindName(e.Kind)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches sentinel errors by kind: a target *Error with an empty message
// matches any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" && t.Message != e.Message {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind carried by err, or zero when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the BPMN error code carried by err, or empty.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func kindName(k Kind) string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation error"
	case KindExpressionSyntax:
		return "expression syntax error"
	case KindExpressionRuntime:
		return "expression runtime error"
	case KindBpmnError:
		return "bpmn error"
	case KindSubscriptionCreateFailed:
		return "subscription create failed"
	case KindCompensationHandlerFailed:
		return "compensation handler failed"
	case KindOutboxPublishFailed:
		return "outbox publish failed"
	case KindInternal:
		return "internal error"
	default:
		return "unknown error"
	}
}
