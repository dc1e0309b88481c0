package statebus

import "github.com/jpalmerr/statebus/internal/task"

type (
	// TaskState is the value of a task-state field.
	TaskState = task.State

	// TaskEntry is the record of one task inside a [TaskState].
	TaskEntry = task.Entry

	// TaskStatus is the lifecycle state of one task.
	TaskStatus = task.Status

	// TaskRequest is the value a requester writes into its request field.
	TaskRequest = task.Request

	// TaskHandler does the work of one task.
	TaskHandler = task.Handler

	// TaskCleanup runs for every task cancelled by eviction.
	TaskCleanup = task.Cleanup

	// TaskStateOption configures [NewTaskState].
	TaskStateOption = task.StateOption

	// TaskOption configures [Handle.HandleTask].
	TaskOption = task.HandleOption

	// SubmitOption configures [Handle.SubmitTask].
	SubmitOption = task.SubmitOption

	// TaskFailedError is returned by [Handle.SubmitTask] when the handler
	// failed.
	TaskFailedError = task.FailedError
)

const (
	TaskPending   = task.StatusPending
	TaskActive    = task.StatusActive
	TaskSuccess   = task.StatusSuccess
	TaskFailed    = task.StatusFailed
	TaskCancelled = task.StatusCancelled
)

var (
	// NewTaskState returns an empty task state for a schema default.
	NewTaskState = task.NewState

	WithKeepStale     = task.WithKeepStale
	WithConcurrency   = task.WithConcurrency
	WithDefaultActive = task.WithDefaultActive
	WithCleanup       = task.WithCleanup
	WithTaskID        = task.WithID

	// ParseTaskState validates a task-state value, including one decoded
	// from the wire.
	ParseTaskState = task.Parse
)

var (
	ErrTaskNotHandled   = task.ErrNotHandled
	ErrTaskCancelled    = task.ErrCancelled
	ErrTaskPruned       = task.ErrPruned
	ErrDuplicateTaskID  = task.ErrDuplicateID
	ErrInvalidTaskState = task.ErrInvalidState
)
