package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// defaultValidationRetries bounds VALIDATION steps in RETRY mode.
const defaultValidationRetries = 3

type validationHandler struct {
	validator SchemaValidator
}

func (h *validationHandler) Handle(_ context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	cfg, err := configOf[*schema.ValidationConfig](node)
	if err != nil {
		return schema.StepResult{}, err
	}
	if h.validator == nil {
		return schema.StepResult{}, schema.NewError(schema.ErrCodeInternal, "no schema validator configured")
	}

	data := decodeJSONString(ec.Variables[cfg.InputVariable])
	result, err := h.validator.Validate(data, cfg.Schema)
	if err != nil {
		return schema.StepResult{}, err
	}
	if result.Valid {
		return schema.StepResult{Output: map[string]any{"valid": true}}, nil
	}

	msgs := result.Messages()
	summary := fmt.Sprintf("validation of %q failed: %s", cfg.InputVariable, strings.Join(msgs, "; "))
	out := schema.StepResult{Output: map[string]any{"valid": false, "errors": msgs}}
	verr := schema.NewError(schema.ErrCodeValidation, summary).
		WithDetails(map[string]any{"errors": msgs, "inputVariable": cfg.InputVariable})

	switch cfg.OnValidationFailure {
	case schema.OnFailureContinue:
		ec.AddError(summary)
		return out, nil

	case schema.OnFailureRetry:
		limit := cfg.MaxRetries
		if limit <= 0 {
			limit = defaultValidationRetries
		}
		n := ec.recordFailure(node.Step.ID)
		if n > limit {
			out.Halt = true
			return out, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"%s (gave up after %d attempts)", summary, n).
				WithCause(verr).
				WithDetails(map[string]any{"errors": msgs, "attempts": n})
		}
		return out, verr.WithDetails(map[string]any{"attempt": n, "maxRetries": limit})

	default:
		return out, verr
	}
}
