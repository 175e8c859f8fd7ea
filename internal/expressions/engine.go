package expressions

import "context"

// Engine evaluates expressions within agent steps.
// Three implementations: CEL (conditions), GoJQ and Expr (transformations).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
