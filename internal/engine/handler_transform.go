package engine

import (
	"context"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

type transformationHandler struct {
	eval *expressions.Evaluator
	jq   *expressions.GoJQEngine
	expr *expressions.ExprEngine
}

func (h *transformationHandler) Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	cfg, err := configOf[*schema.TransformationConfig](node)
	if err != nil {
		return schema.StepResult{}, err
	}

	env := ec.Env()
	input := ec.Variables[cfg.InputVariable]

	var out any
	switch cfg.Language {
	case schema.LanguageJQ:
		query, ok := cfg.Transformation.(string)
		if !ok {
			return schema.StepResult{}, schema.NewError(schema.ErrCodeValidation, "jq transformation must be a string")
		}
		out, err = h.jq.Query(ctx, query, decodeJSONString(input), env.Data())
	case schema.LanguageExpr:
		program, ok := cfg.Transformation.(string)
		if !ok {
			return schema.StepResult{}, schema.NewError(schema.ErrCodeValidation, "expr transformation must be a string")
		}
		data := env.Data()
		data["value"] = input
		out, err = h.expr.Evaluate(ctx, program, data)
	default:
		out = h.eval.Resolve(cfg.Transformation, env)
	}
	if err != nil {
		return schema.StepResult{}, err
	}

	ec.SetVariable(cfg.OutputVariable, out)
	return schema.StepResult{Output: out}, nil
}
