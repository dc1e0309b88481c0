// Package task implements request/response work on top of the state store.
//
// A handler module owns a task-state field holding a [State]. A requester
// writes a [Request] into one of its own fields; the handler, subscribed to
// that field, records the task in its [State], runs the handler function and
// records the outcome. The requester learns the outcome by watching the
// handler's task-state field. No other channel is involved.
//
// Task lifecycle:
//
//	pending -> active -> success | failed
//	pending | active -> cancelled   (evicted by a newer task)
//
// Admission never fails: when more than Concurrency tasks are pending or
// active, the oldest is cancelled. Finished tasks are kept in a stale queue
// of at most KeepStale ids; older records are deleted.
package task
