package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// configOf returns the typed config of node.
func configOf[T schema.StepConfig](node *Node) (T, error) {
	cfg, ok := node.Config.(T)
	if !ok {
		var zero T
		return zero, schema.NewErrorf(schema.ErrCodeInternal,
			"step %s: expected %T config, got %T", node.Step.ID, zero, node.Config).WithStep(node.Step.ID)
	}
	return cfg, nil
}

// toSlice converts v to []any. A string holding a JSON array is decoded.
func toSlice(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case string:
		var out []any
		if err := json.Unmarshal([]byte(strings.TrimSpace(val)), &out); err != nil {
			return nil, false
		}
		return out, true
	case nil:
		return nil, false
	default:
		// Typed slices ([]string, []map[string]any, ...) via a JSON round trip.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var out []any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, false
		}
		return out, true
	}
}

// toMillis reads a non-negative duration in milliseconds from a number or a
// numeric string.
func toMillis(v any) (int64, error) {
	var f float64
	switch val := v.(type) {
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case float64:
		f = val
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", val.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", val)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected a number of milliseconds, got %T", v)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid duration %v", f)
	}
	return int64(f), nil
}

// decodeJSONString parses s as JSON, returning s unchanged when it is not JSON.
func decodeJSONString(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return v
	}
	return out
}
