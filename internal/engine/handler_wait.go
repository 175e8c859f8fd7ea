package engine

import (
	"context"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

type waitHandler struct{}

func (waitHandler) Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	cfg, err := configOf[*schema.WaitConfig](node)
	if err != nil {
		return schema.StepResult{}, err
	}

	var ms int64
	switch {
	case cfg.Duration != nil:
		ms = *cfg.Duration
	case cfg.VariableDuration != "":
		ms, err = toMillis(ec.Variables[cfg.VariableDuration])
		if err != nil {
			return schema.StepResult{}, schema.NewErrorf(schema.ErrCodeValidation,
				"variable %q: %s", cfg.VariableDuration, err.Error())
		}
	}

	if err := WaitForBackoff(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return schema.StepResult{}, contextError(err, "wait interrupted")
	}
	return schema.StepResult{Output: map[string]any{"waited": ms}}, nil
}
