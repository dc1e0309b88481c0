// Package statebus provides an in-process state bus for independently
// initialized modules.
//
// Modules publish fields into a shared store, watch each other's fields and
// exchange request/response work ("tasks") through the same fields rather
// than by calling each other. A companion introspection server exposes the
// store over HTTP for remote dump, set, subscribe and call operations; the
// statebus command is its client.
//
// # Quick Start
//
// Declare the fields of every module with their defaults, then host the
// modules on a [Bus]:
//
//	schema := statebus.Schema{
//	    "foo": {"counter": 0},
//	    "bar": {"sum": statebus.NewTaskState()},
//	}
//	bus, err := statebus.New(schema, map[string]statebus.Module{
//	    "foo": &Foo{},
//	    "bar": &Bar{},
//	})
//	if err != nil {
//	    return err
//	}
//	defer bus.Close()
//
//	if err := bus.Start(ctx); err != nil {
//	    return err
//	}
//
// # Fields
//
// Every field holds a value and the time it was written. Reading a field
// that was never written returns its schema default with update time 0.
// Every module also owns "status" (pending, online, offline or failure) and
// "statusMessage".
//
// Writes never call listeners synchronously: notifications are delivered in
// commit order on a single goroutine after the write returns.
//
// # Tasks
//
// A module serves tasks with [Handle.HandleTask] and another submits them
// with [Handle.SubmitTask]. The request is written into a field of the
// requester and the outcome appears in a [TaskState] field of the handler,
// so every step of the exchange is visible to introspection.
//
// # Architecture
//
// The bus consists of several packages:
//
//   - internal/store: field table, subscriptions and change waits
//   - internal/task: task state machine on top of the store
//   - internal/server: introspection HTTP server
//   - framing: length-prefixed frames of the subscribe stream
//   - codec: JSON and CBOR payload encodings
//   - client: Go client of the introspection server
//
// The internal packages are not part of the public API and may change
// without notice.
package statebus
