package expressions

import (
	"fmt"
	"math"
	"strconv"

	"github.com/rendis/agentflow/pkg/schema"
)

// CheckFinite fails on the first NaN or infinite number in v. Such numbers
// have no JSON form, so a result holding one could never be recorded.
func CheckFinite(v any) error {
	return checkFinite(v, "result")
}

func checkFinite(v any, at string) error {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return schema.NewErrorf(schema.ErrCodeExecution, "%s is %v, not a finite number", at, val).
				WithDetails(map[string]any{"path": at})
		}
	case float32:
		return checkFinite(float64(val), at)
	case []float64:
		for i, item := range val {
			if err := checkFinite(item, at+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range val {
			if err := checkFinite(item, at+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, item := range val {
			if err := checkFinite(item, fmt.Sprintf("%s.%s", at, k)); err != nil {
				return err
			}
		}
	}
	return nil
}
