package engine

import (
	"time"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

// ExecutionContext is the mutable state of one run. It is owned by the
// goroutine driving the run and is not safe for concurrent use.
type ExecutionContext struct {
	ExecutionID   string
	AgentID       string
	UserID        string
	Variables     map[string]any
	Input         map[string]any
	StepResults   []schema.StepExecution
	ExecutionPath []string
	Errors        []string
	TokenUsage    int
	StartTime     time.Time

	graph          *StepGraph
	maxSteps       int
	stepsUsed      int
	failures       map[string]int
	handlerRetries map[string]int
}

// NewExecutionContext seeds variables from the agent's declarations. A
// declaration without a default starts as nil. Input is copied and kept in
// its own namespace.
func NewExecutionContext(executionID string, agent *schema.Agent, userID string, input map[string]any, maxSteps int) *ExecutionContext {
	vars := make(map[string]any, len(agent.Variables))
	for _, v := range agent.Variables {
		if v.DefaultValue != nil {
			vars[v.Name] = *v.DefaultValue
		} else {
			vars[v.Name] = nil
		}
	}
	if input == nil {
		input = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID:    executionID,
		AgentID:        agent.ID,
		UserID:         userID,
		Variables:      vars,
		Input:          expressions.DeepCopyMap(input),
		StepResults:    []schema.StepExecution{},
		ExecutionPath:  []string{},
		StartTime:      time.Now().UTC(),
		maxSteps:       maxSteps,
		failures:       make(map[string]int),
		handlerRetries: make(map[string]int),
	}
}

// Env exposes the context to template and expression evaluation.
// stepResults.<id> is the latest execution of that step.
func (ec *ExecutionContext) Env() *expressions.Env {
	results := make(map[string]any, len(ec.StepResults))
	for _, se := range ec.StepResults {
		results[se.StepID] = map[string]any{
			"status":        string(se.Status),
			"output":        se.Output,
			"error":         se.Error,
			"errorCode":     se.ErrorCode,
			"tokenUsage":    se.TokenUsage,
			"executionTime": se.ExecutionTime,
		}
	}
	return &expressions.Env{
		Variables:   ec.Variables,
		Input:       ec.Input,
		StepResults: results,
	}
}

// SetVariable assigns a run variable.
func (ec *ExecutionContext) SetVariable(name string, value any) {
	ec.Variables[name] = value
}

// Record appends an executed step to the path and the trace. The two always
// grow together.
func (ec *ExecutionContext) Record(stepID string, res schema.StepResult) schema.StepExecution {
	entry := schema.StepExecution{StepID: stepID, StepResult: res}
	ec.ExecutionPath = append(ec.ExecutionPath, stepID)
	ec.StepResults = append(ec.StepResults, entry)
	ec.TokenUsage += res.TokenUsage
	return entry
}

// LastResult returns the most recent trace entry, if any.
func (ec *ExecutionContext) LastResult() (schema.StepExecution, bool) {
	if len(ec.StepResults) == 0 {
		return schema.StepExecution{}, false
	}
	return ec.StepResults[len(ec.StepResults)-1], true
}

// AddError appends a human-readable error summary to the run.
func (ec *ExecutionContext) AddError(msg string) {
	ec.Errors = append(ec.Errors, msg)
}

// consumeStep charges one step execution against the budget. Loop-body
// executions are charged too.
func (ec *ExecutionContext) consumeStep() error {
	if ec.maxSteps > 0 && ec.stepsUsed >= ec.maxSteps {
		return schema.NewErrorf(schema.ErrCodeStepBudgetExceeded,
			"step budget of %d executions exceeded", ec.maxSteps).
			WithDetails(map[string]any{"max_steps": ec.maxSteps})
	}
	ec.stepsUsed++
	return nil
}

// recordFailure increments and returns the failure count of stepID.
func (ec *ExecutionContext) recordFailure(stepID string) int {
	ec.failures[stepID]++
	return ec.failures[stepID]
}

// nextHandlerRetry increments and returns the retry count of an error handler.
func (ec *ExecutionContext) nextHandlerRetry(handlerID string) int {
	ec.handlerRetries[handlerID]++
	return ec.handlerRetries[handlerID]
}
