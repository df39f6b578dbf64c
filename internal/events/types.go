package events

// Event types published by the dispatch core.
const (
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskRetrying  = "task.retrying"
	TaskFailed    = "task.failed"

	ExecutionBlocked     = "execution.blocked"
	ExecutionResumed     = "execution.resumed"
	ExecutionCaptured    = "execution.captured"
	ExecutionTransferred = "execution.transferred"

	ModeChanged = "mode.changed"
)
