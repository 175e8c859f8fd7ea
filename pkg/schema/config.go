package schema

import (
	"bytes"
	"encoding/json"
)

// StepConfig is the typed configuration of one step variant.
type StepConfig interface {
	StepType() StepType
}

// PromptConfig configures a PROMPT step.
type PromptConfig struct {
	Prompt         string   `json:"prompt" validate:"required"`
	Model          string   `json:"model" validate:"required"`
	OutputVariable string   `json:"outputVariable" validate:"required"`
	OutputSchema   any      `json:"outputSchema,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
}

// APICallConfig configures an API_CALL step.
type APICallConfig struct {
	Endpoint       string            `json:"endpoint" validate:"required"`
	Method         string            `json:"method" validate:"required"`
	OutputVariable string            `json:"outputVariable" validate:"required"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           any               `json:"body,omitempty"`
	RetryConfig    *RetryConfig      `json:"retryConfig,omitempty"`
}

// RetryConfig bounds the retries of an API_CALL step. Delay is in milliseconds.
type RetryConfig struct {
	MaxRetries int    `json:"maxRetries" validate:"gte=0,lte=10"`
	RetryDelay *int64 `json:"retryDelay,omitempty" validate:"omitempty,gte=0"`
}

// Validation failure modes.
const (
	OnFailureStop     = "STOP"
	OnFailureRetry    = "RETRY"
	OnFailureContinue = "CONTINUE"
)

// ValidationConfig configures a VALIDATION step.
type ValidationConfig struct {
	Schema              any    `json:"schema" validate:"required"`
	InputVariable       string `json:"inputVariable" validate:"required"`
	OnValidationFailure string `json:"onValidationFailure" validate:"required,oneof=STOP RETRY CONTINUE"`
	MaxRetries          int    `json:"maxRetries,omitempty" validate:"gte=0"`
}

// Transformation languages.
const (
	LanguageTemplate = "template"
	LanguageJQ       = "jq"
	LanguageExpr     = "expr"
)

// TransformationConfig configures a TRANSFORMATION step.
type TransformationConfig struct {
	InputVariable  string `json:"inputVariable" validate:"required"`
	Transformation any    `json:"transformation" validate:"required"`
	OutputVariable string `json:"outputVariable" validate:"required"`
	Language       string `json:"language,omitempty" validate:"omitempty,oneof=template jq expr"`
}

// ConditionConfig configures a CONDITION step. Condition is a CEL expression.
type ConditionConfig struct {
	Condition   string `json:"condition" validate:"required"`
	TrueStepID  string `json:"trueStepId" validate:"required"`
	FalseStepID string `json:"falseStepId" validate:"required"`
}

// Loop modes.
const (
	LoopArray = "array"
	LoopCount = "count"
)

// LoopConfig configures a LOOP step.
type LoopConfig struct {
	Type          string `json:"type" validate:"required,oneof=array count"`
	MaxIterations int    `json:"maxIterations" validate:"required,gte=1,lte=10000"`
	LoopBody      string `json:"loopBody" validate:"required"`
	ArrayVariable string `json:"arrayVariable,omitempty" validate:"required_if=Type array"`
	ItemVariable  string `json:"itemVariable,omitempty"`
	IndexVariable string `json:"indexVariable,omitempty"`
	// Count is required when Type is count. Zero is a valid count.
	Count *int `json:"count,omitempty" validate:"omitempty,gte=0"`
}

// WaitConfig configures a WAIT step. Duration is in milliseconds.
type WaitConfig struct {
	Duration         *int64 `json:"duration,omitempty" validate:"omitempty,gte=0"`
	VariableDuration string `json:"variableDuration,omitempty"`
}

// SetVariableConfig configures a SET_VARIABLE step. Value is kept raw so a
// present-but-falsy literal can be told apart from an absent one.
type SetVariableConfig struct {
	Variable   string          `json:"variable" validate:"required"`
	Value      json.RawMessage `json:"value,omitempty"`
	Expression any             `json:"expression,omitempty"`
}

// HasValue reports whether the value field was present in the config.
func (c *SetVariableConfig) HasValue() bool {
	return len(bytes.TrimSpace(c.Value)) > 0
}

// Error handler actions.
const (
	HandlerRetry    = "RETRY"
	HandlerContinue = "CONTINUE"
	HandlerStop     = "STOP"
	HandlerJump     = "JUMP"
)

// ErrorHandlerConfig configures an ERROR_HANDLER step.
type ErrorHandlerConfig struct {
	CatchErrors   []string `json:"catchErrors" validate:"required,min=1,dive,required"`
	HandlerAction string   `json:"handlerAction" validate:"required,oneof=RETRY CONTINUE STOP JUMP"`
	TargetStepID  string   `json:"targetStepId,omitempty" validate:"required_if=HandlerAction JUMP"`
	MaxRetries    int      `json:"maxRetries,omitempty" validate:"gte=0"`
}

func (*PromptConfig) StepType() StepType         { return StepTypePrompt }
func (*APICallConfig) StepType() StepType        { return StepTypeAPICall }
func (*ValidationConfig) StepType() StepType     { return StepTypeValidation }
func (*TransformationConfig) StepType() StepType { return StepTypeTransformation }
func (*ConditionConfig) StepType() StepType      { return StepTypeCondition }
func (*LoopConfig) StepType() StepType           { return StepTypeLoop }
func (*WaitConfig) StepType() StepType           { return StepTypeWait }
func (*SetVariableConfig) StepType() StepType    { return StepTypeSetVariable }
func (*ErrorHandlerConfig) StepType() StepType   { return StepTypeErrorHandler }

// NewStepConfig returns an empty config for the given step type.
func NewStepConfig(t StepType) (StepConfig, error) {
	switch t {
	case StepTypePrompt:
		return &PromptConfig{}, nil
	case StepTypeAPICall:
		return &APICallConfig{}, nil
	case StepTypeValidation:
		return &ValidationConfig{}, nil
	case StepTypeTransformation:
		return &TransformationConfig{}, nil
	case StepTypeCondition:
		return &ConditionConfig{}, nil
	case StepTypeLoop:
		return &LoopConfig{}, nil
	case StepTypeWait:
		return &WaitConfig{}, nil
	case StepTypeSetVariable:
		return &SetVariableConfig{}, nil
	case StepTypeErrorHandler:
		return &ErrorHandlerConfig{}, nil
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown step type %q", t)
	}
}

// DecodeStepConfig decodes raw JSON into the typed config for t.
// An empty raw config decodes to the zero config.
func DecodeStepConfig(t StepType, raw json.RawMessage) (StepConfig, error) {
	cfg, err := NewStepConfig(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid %s config: %s", t, err.Error()).WithCause(err)
	}
	return cfg, nil
}
