package schema

import (
	"encoding/json"
	"time"
)

// Agent is a user-owned workflow definition: an ordered step graph plus
// variable declarations. It is read once at run start and never mutated by a run.
type Agent struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	UserID      string     `json:"user_id,omitempty"`
	Description string     `json:"description,omitempty"`
	Steps       []Step     `json:"steps"`
	Variables   []Variable `json:"variables,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`
}

// Step is a single typed unit of work with success/failure branch targets.
type Step struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	Type          StepType        `json:"type"`
	Config        json.RawMessage `json:"config,omitempty"`
	Order         int             `json:"order"`
	NextOnSuccess string          `json:"nextOnSuccess,omitempty"`
	NextOnFailure string          `json:"nextOnFailure,omitempty"`
}

// Variable seeds the run-scoped variables map.
type Variable struct {
	Name         string  `json:"name"`
	DefaultValue *string `json:"defaultValue,omitempty"`
	Description  string  `json:"description,omitempty"`
}

// StepByID returns the step with the given id.
func (a *Agent) StepByID(id string) (*Step, bool) {
	for i := range a.Steps {
		if a.Steps[i].ID == id {
			return &a.Steps[i], true
		}
	}
	return nil, false
}

// StepType enumerates the kinds of steps in an agent.
type StepType string

const (
	StepTypePrompt         StepType = "PROMPT"
	StepTypeAPICall        StepType = "API_CALL"
	StepTypeValidation     StepType = "VALIDATION"
	StepTypeTransformation StepType = "TRANSFORMATION"
	StepTypeCondition      StepType = "CONDITION"
	StepTypeLoop           StepType = "LOOP"
	StepTypeWait           StepType = "WAIT"
	StepTypeSetVariable    StepType = "SET_VARIABLE"
	StepTypeErrorHandler   StepType = "ERROR_HANDLER"
)

// StepTypes lists every known step type in declaration order.
var StepTypes = []StepType{
	StepTypePrompt,
	StepTypeAPICall,
	StepTypeValidation,
	StepTypeTransformation,
	StepTypeCondition,
	StepTypeLoop,
	StepTypeWait,
	StepTypeSetVariable,
	StepTypeErrorHandler,
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}
