package schema

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventConditionEvaluated  = "condition_evaluated"
	EventLoopIteration       = "loop_iteration"
	EventErrorHandlerInvoked = "error_handler_invoked"
	EventVariableSet         = "variable_set"
	EventCircuitBreakerOpen  = "circuit_breaker_open"
)

// ExecutionStatus represents the lifecycle state of an execution record.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// StepStatus is the outcome of a single step execution.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailure StepStatus = "FAILURE"
	StepSkipped StepStatus = "SKIPPED"
)
