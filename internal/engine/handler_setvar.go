package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

type setVariableHandler struct {
	eval   *expressions.Evaluator
	events *eventEmitter
}

// Handle stores value when the field is present, even if it is "", 0, false
// or null. Otherwise a string expression is evaluated as a template and any
// other expression is stored as-is.
func (h *setVariableHandler) Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	cfg, err := configOf[*schema.SetVariableConfig](node)
	if err != nil {
		return schema.StepResult{}, err
	}

	var value any
	switch {
	case cfg.HasValue():
		if err := json.Unmarshal(cfg.Value, &value); err != nil {
			return schema.StepResult{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid value: %s", err.Error()).WithCause(err)
		}
	case cfg.Expression != nil:
		value = h.eval.EvaluateValue(cfg.Expression, ec.Env())
	}

	ec.SetVariable(cfg.Variable, value)
	h.events.emitBestEffort(ctx, ec.ExecutionID, node.Step.ID, schema.EventVariableSet, map[string]any{
		"variable": cfg.Variable,
	})
	return schema.StepResult{Output: map[string]any{"variable": cfg.Variable, "value": value}}, nil
}
