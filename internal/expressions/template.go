package expressions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// NotAvailable replaces any template whose path cannot be resolved.
const NotAvailable = "(not available)"

// DefaultMaxPasses bounds iterative expansion of templates that expand to templates.
const DefaultMaxPasses = 10

// Evaluator expands {{path}} and ${path} templates against an Env.
// It never returns an error: unresolvable paths become NotAvailable and the
// cause is logged at debug level. Safe for concurrent use.
type Evaluator struct {
	logger    *slog.Logger
	maxPasses int
}

// NewEvaluator creates an Evaluator. A nil logger discards diagnostics.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{logger: logger, maxPasses: DefaultMaxPasses}
}

// Evaluate expands every template in text. Expansion is repeated while the
// text keeps changing, up to the pass limit; hitting the limit returns the
// last result.
func (ev *Evaluator) Evaluate(text string, env *Env) string {
	current := text
	for pass := 0; pass < ev.maxPasses; pass++ {
		if !ContainsTemplate(current) {
			return current
		}
		next := ev.substitute(current, env)
		if next == current {
			return current
		}
		current = next
	}
	ev.logger.Debug("template expansion hit pass limit", "passes", ev.maxPasses)
	return current
}

// EvaluateValue expands v when it is a string. Any other value is returned
// as a deep copy, with its string leaves left as written.
func (ev *Evaluator) EvaluateValue(v any, env *Env) any {
	if s, ok := v.(string); ok {
		return ev.Evaluate(s, env)
	}
	return deepCopyAny(v)
}

// Resolve returns a new structure with every string leaf of v expanded.
// Maps and slices are rebuilt, so the input is never aliased by the result.
func (ev *Evaluator) Resolve(v any, env *Env) any {
	switch val := v.(type) {
	case string:
		return ev.Evaluate(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ev.Resolve(item, env)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ev.Resolve(item, env)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = ev.Evaluate(item, env)
		}
		return out
	default:
		return deepCopyAny(v)
	}
}

// ContainsTemplate reports whether s holds an opening template marker.
func ContainsTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "${")
}

// substitute performs one expansion pass.
func (ev *Evaluator) substitute(input string, env *Env) string {
	var out strings.Builder
	out.Grow(len(input))

	i := 0
	for i < len(input) {
		start, open, closer := nextMarker(input, i)
		if start == -1 {
			out.WriteString(input[i:])
			break
		}
		out.WriteString(input[i:start])

		bodyStart := start + len(open)
		end := strings.Index(input[bodyStart:], closer)
		if end == -1 {
			// Unclosed marker: keep the remainder verbatim.
			out.WriteString(input[start:])
			break
		}
		end += bodyStart

		out.WriteString(ev.expand(input[bodyStart:end], env))
		i = end + len(closer)
	}
	return out.String()
}

// nextMarker finds the earliest "{{" or "${" at or after from. A "${{" is
// read as a literal '$' followed by a "{{" template.
func nextMarker(s string, from int) (int, string, string) {
	for j := from; j < len(s)-1; j++ {
		switch {
		case s[j] == '{' && s[j+1] == '{':
			return j, "{{", "}}"
		case s[j] == '$' && s[j+1] == '{':
			if j+2 < len(s) && s[j+2] == '{' {
				continue
			}
			return j, "${", "}"
		}
	}
	return -1, "", ""
}

func (ev *Evaluator) expand(body string, env *Env) string {
	p, err := ParsePath(body)
	if err != nil {
		ev.logger.Debug("template path invalid", "path", body, "error", err.Error())
		return NotAvailable
	}
	val, err := env.Lookup(p)
	if err != nil {
		ev.logger.Debug("template path unresolved", "path", p.Raw, "error", err.Error())
		return NotAvailable
	}
	return Render(val)
}

// Render converts a resolved value to its inline text form: strings verbatim,
// numbers in plain decimal, null as empty, objects and arrays as JSON.
func Render(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case json.Number:
		return v.String()
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
