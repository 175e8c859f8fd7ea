package engine

import (
	"context"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

type conditionHandler struct {
	eval   *expressions.Evaluator
	cel    *expressions.CELEngine
	events *eventEmitter
}

func (h *conditionHandler) Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	cfg, err := configOf[*schema.ConditionConfig](node)
	if err != nil {
		return schema.StepResult{}, err
	}

	env := ec.Env()
	condition := cfg.Condition
	if expressions.ContainsTemplate(condition) {
		condition = h.eval.Evaluate(condition, env)
	}

	result, err := h.cel.EvaluateBool(ctx, condition, env.Data())
	if err != nil {
		return schema.StepResult{}, err
	}

	next := cfg.FalseStepID
	if result {
		next = cfg.TrueStepID
	}
	h.events.emitBestEffort(ctx, ec.ExecutionID, node.Step.ID, schema.EventConditionEvaluated, map[string]any{
		"condition": condition,
		"result":    result,
		"next":      next,
	})
	return schema.StepResult{
		Output: map[string]any{"result": result, "nextStepId": next},
		Jump:   next,
	}, nil
}
