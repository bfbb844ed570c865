// Package flow is the root of the flow module, a BPMN-style process
// execution engine. Process definitions are built programmatically with
// the definition package, deployed to a runtime, and executed token by
// token by the interpreter: service tasks invoke registered handlers,
// user tasks wait in a task list, gateways route on expressions, and
// events (signals, messages, timers, errors, compensation) move tokens
// between activities.
//
// The runtime/process/runtime package is the facade most programs use.
// It wires the interpreter to a persistence store (features/store
// provides in-memory and MongoDB drivers), an optional outbox-backed
// event bus (features/bus provides Pulse and NATS adapters), and
// background workers for timers and event publication. See
// example/cmd/flowdemo for a complete program.
package flow
