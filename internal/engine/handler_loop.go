package engine

import (
	"context"

	"github.com/rendis/agentflow/pkg/schema"
)

const (
	defaultItemVariable  = "item"
	defaultIndexVariable = "index"
)

// loopHandler runs the loop body through the dispatcher once per
// iteration. Body executions count against the run's step budget but are
// not part of the execution path.
type loopHandler struct {
	dispatcher *Dispatcher
	events     *eventEmitter
}

func (h *loopHandler) Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	cfg, err := configOf[*schema.LoopConfig](node)
	if err != nil {
		return schema.StepResult{}, err
	}
	var body *Node
	if ec.graph != nil {
		body, _ = ec.graph.Node(cfg.LoopBody)
	}
	if body == nil {
		return schema.StepResult{}, schema.NewErrorf(schema.ErrCodeInvalidGraph, "loop body %q not found", cfg.LoopBody)
	}

	var (
		items []any
		total int
	)
	switch cfg.Type {
	case schema.LoopArray:
		arr, ok := toSlice(ec.Variables[cfg.ArrayVariable])
		if !ok {
			return schema.StepResult{}, schema.NewErrorf(schema.ErrCodeValidation,
				"variable %q is not an array", cfg.ArrayVariable)
		}
		items, total = arr, len(arr)
	default:
		if cfg.Count != nil {
			total = *cfg.Count
		}
	}
	truncated := total > cfg.MaxIterations
	if truncated {
		total = cfg.MaxIterations
	}

	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = defaultItemVariable
	}
	indexVar := cfg.IndexVariable
	if indexVar == "" {
		indexVar = defaultIndexVariable
	}

	res := schema.StepResult{}
	results := make([]any, 0, total)
	output := func(iterations int) map[string]any {
		return map[string]any{"iterations": iterations, "results": results, "truncated": truncated}
	}

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			res.Output = output(i)
			return res, contextError(err, "loop interrupted")
		}
		if err := ec.consumeStep(); err != nil {
			res.Output = output(i)
			res.Halt = true
			return res, err
		}

		var item any = i
		if items != nil {
			item = items[i]
		}
		ec.SetVariable(itemVar, item)
		ec.SetVariable(indexVar, i)
		h.events.emitBestEffort(ctx, ec.ExecutionID, node.Step.ID, schema.EventLoopIteration, map[string]any{
			"iteration": i,
			"body":      body.Step.ID,
		})

		br := h.dispatcher.Execute(ctx, body, ec)
		res.TokenUsage += br.TokenUsage
		if br.Status == schema.StepFailure {
			res.Output = output(i)
			return res, schema.NewErrorf(schema.ErrCodeStepFailed,
				"loop body %q failed at iteration %d: %s", body.Step.ID, i, br.Error).
				WithDetails(map[string]any{"iteration": i, "bodyStepId": body.Step.ID, "bodyErrorCode": br.ErrorCode})
		}
		results = append(results, br.Output)
	}

	res.Output = output(total)
	return res, nil
}
