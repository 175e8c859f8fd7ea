package expressions

import (
	"encoding/json"
	"fmt"
)

// Namespaces addressable from template paths.
const (
	NamespaceVariables   = "variables"
	NamespaceInput       = "input"
	NamespaceStepResults = "stepResults"
	NamespaceCredentials = "credentials"
)

// Env is the data a template path resolves against. StepResults maps a step
// id to {status, output, error, tokenUsage, executionTime} for the latest
// execution of that step. Credentials is only populated for the duration of
// a single API call and never persisted.
type Env struct {
	Variables   map[string]any
	Input       map[string]any
	StepResults map[string]any
	Credentials map[string]string
}

// Lookup resolves a parsed path against the environment.
func (e *Env) Lookup(p Path) (any, error) {
	if e == nil {
		return nil, fmt.Errorf("no environment")
	}
	var root any
	switch p.Namespace() {
	case NamespaceVariables:
		root = e.Variables
	case NamespaceInput:
		root = e.Input
	case NamespaceStepResults:
		root = e.StepResults
	case NamespaceCredentials:
		if e.Credentials == nil {
			return nil, fmt.Errorf("credentials are not available in this context")
		}
		root = e.Credentials
	default:
		return nil, fmt.Errorf("unknown namespace %q in %q; available: variables, input, stepResults", p.Namespace(), p.Raw)
	}
	if root == nil {
		return nil, fmt.Errorf("cannot resolve %q: %s is empty", p.Raw, p.Namespace())
	}
	return p.Walk(root)
}

// Data exposes the environment as a plain map for expression engines.
func (e *Env) Data() map[string]any {
	data := map[string]any{
		NamespaceVariables:   e.Variables,
		NamespaceInput:       e.Input,
		NamespaceStepResults: e.StepResults,
	}
	for k, v := range data {
		if m, ok := v.(map[string]any); !ok || m == nil {
			data[k] = map[string]any{}
		}
	}
	return data
}

// DeepCopyMap returns a structural copy of m.
func DeepCopyMap(m map[string]any) map[string]any {
	return deepCopyMap(m)
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Primitives are value types and returned as-is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case map[string]string:
		cp := make(map[string]string, len(val))
		for k, s := range val {
			cp[k] = s
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
