package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// StepAppend is what the engine persists after each executed step: the new
// trace entry plus the run state it produced.
type StepAppend struct {
	Entry     schema.StepExecution `json:"entry"`
	Path      []string             `json:"path"`
	Variables map[string]any       `json:"variables,omitempty"`
	Errors    []string             `json:"errors,omitempty"`
}

// ExecutionFinal carries the terminal state written by FinalizeExecution.
type ExecutionFinal struct {
	Status       schema.ExecutionStatus `json:"status"`
	Output       any                    `json:"output,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	Path         []string               `json:"path,omitempty"`
	Variables    map[string]any         `json:"variables,omitempty"`
	Errors       []string               `json:"errors,omitempty"`
	TokenUsage   int                    `json:"token_usage"`
	EndTime      time.Time              `json:"end_time"`
	// StatusOnly writes the status, error, token usage and end time and
	// leaves the stored path, variables and output as the last step left them.
	StatusOnly bool `json:"status_only,omitempty"`
}

// Schedule is a cron-triggered agent run.
type Schedule struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	CronExpression  string         `json:"cron_expression"`
	Input           map[string]any `json:"input,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// AgentFilter specifies criteria for listing agents.
type AgentFilter struct {
	UserID string `json:"user_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status  *schema.ExecutionStatus `json:"status,omitempty"`
	AgentID string                  `json:"agent_id,omitempty"`
	UserID  string                  `json:"user_id,omitempty"`
	Since   *time.Time              `json:"since,omitempty"`
	Limit   int                     `json:"limit,omitempty"`
	Offset  int                     `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
