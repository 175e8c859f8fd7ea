package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/provider"
	"github.com/rendis/agentflow/pkg/schema"
)

// promptHandler runs PROMPT steps against the content provider.
type promptHandler struct {
	provider  provider.ContentProvider
	validator SchemaValidator
	eval      *expressions.Evaluator
}

func (h *promptHandler) Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	cfg, err := configOf[*schema.PromptConfig](node)
	if err != nil {
		return schema.StepResult{}, err
	}
	if h.provider == nil {
		return schema.StepResult{}, schema.NewError(schema.ErrCodeProvider, "no content provider configured").WithStep(node.Step.ID)
	}

	prompt := h.eval.Evaluate(cfg.Prompt, ec.Env())
	gen, err := h.provider.Generate(ctx, cfg.Model, prompt, provider.Options{Temperature: cfg.Temperature})
	if err != nil {
		return schema.StepResult{}, err
	}
	res := schema.StepResult{TokenUsage: gen.TokenUsage}

	var value any = gen.Content
	if cfg.OutputSchema != nil {
		parsed, err := h.checkOutput(gen.Content, cfg.OutputSchema)
		if err != nil {
			res.Output = gen.Content
			return res, err
		}
		value = parsed
	}

	ec.SetVariable(cfg.OutputVariable, value)
	res.Output = value
	return res, nil
}

// checkOutput parses content as JSON and validates it against outputSchema.
func (h *promptHandler) checkOutput(content string, outputSchema any) (any, error) {
	var parsed any
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"Output validation failed: response is not valid JSON: %s", err.Error()).WithCause(err)
	}
	if h.validator == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "no schema validator configured")
	}
	result, err := h.validator.Validate(parsed, outputSchema)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"Output validation failed: %s", strings.Join(result.Messages(), "; ")).
			WithDetails(map[string]any{"violations": result.Errors})
	}
	return parsed, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence that chat
// models like to wrap JSON answers in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[\"") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(s)
}
