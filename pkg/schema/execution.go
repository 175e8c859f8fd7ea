package schema

import "time"

// StepResult is the outcome of dispatching one step.
type StepResult struct {
	Status        StepStatus     `json:"status"`
	Output        any            `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
	TokenUsage    int            `json:"token_usage"`
	ExecutionTime int64          `json:"execution_time"`

	// Jump overrides branch selection with an explicit next step.
	Jump string `json:"jump,omitempty"`
	// Halt terminates the run as FAILED after this step.
	Halt bool `json:"halt,omitempty"`
}

// StepExecution is one entry of an execution trace.
type StepExecution struct {
	StepID string `json:"step_id"`
	StepResult
}

// ExecutionRecord is the durable summary of one run.
type ExecutionRecord struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	UserID        string          `json:"user_id,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Input         map[string]any  `json:"input,omitempty"`
	Output        any             `json:"output,omitempty"`
	ExecutionPath []string        `json:"execution_path"`
	StepResults   []StepExecution `json:"step_results"`
	Variables     map[string]any  `json:"variables,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	TokenUsage    int             `json:"token_usage"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
}

// LastResult returns the most recent result recorded for stepID.
func (r *ExecutionRecord) LastResult(stepID string) (*StepResult, bool) {
	for i := len(r.StepResults) - 1; i >= 0; i-- {
		if r.StepResults[i].StepID == stepID {
			return &r.StepResults[i].StepResult, true
		}
	}
	return nil, false
}
