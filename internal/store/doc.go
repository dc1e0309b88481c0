// Package store holds the versioned value of every (module, key) field and
// notifies listeners when a field changes.
//
// The main components are:
//
//   - [Store]: the field table, its read/write/update operations and the
//     subscription entry points
//   - [Entry]: an immutable value plus the time of the write that produced it
//   - [Change]: the (current, previous) pair delivered to listeners
//   - [Pending]: a cancellable wait for the next change of one field
//
// The set of modules and keys is fixed when the store is created. Writes are
// committed synchronously under the store lock; notifications are queued on
// a single loop goroutine in commit order and delivered on the next tick, so
// a writer never re-enters a listener and several writes made back to back
// are all visible before any listener runs.
package store
