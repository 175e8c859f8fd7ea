package validation

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/agentflow/pkg/schema"
)

// AgentValidator runs the load-time checks of an agent definition:
//  1. Structural (JSON Schema of the document)
//  2. Step configs (decode plus struct tags)
//  3. References (branch targets, loop bodies, handler targets)
//  4. Reachability (warnings only)
type AgentValidator struct {
	jsonSchema *JSONSchemaValidator
	structs    *validator.Validate
}

// NewAgentValidator creates an AgentValidator.
func NewAgentValidator() (*AgentValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	structs := validator.New(validator.WithRequiredStructEnabled())
	structs.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &AgentValidator{jsonSchema: jsv, structs: structs}, nil
}

var defaultAgentValidator = sync.OnceValues(NewAgentValidator)

// Default returns the process-wide AgentValidator.
func Default() (*AgentValidator, error) {
	return defaultAgentValidator()
}

// ValidateAgent validates an agent with a shared AgentValidator.
func ValidateAgent(agent *schema.Agent) *schema.ValidationResult {
	v, err := defaultAgentValidator()
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeInternal, err.Error())
		return r
	}
	return v.Validate(agent)
}

// Validate runs every stage and returns the aggregated result. Structural
// errors short-circuit the later stages.
func (av *AgentValidator) Validate(agent *schema.Agent) *schema.ValidationResult {
	if agent == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "agent definition is nil")
		return r
	}

	result := av.jsonSchema.ValidateAgentDocument(agent)
	if !result.Valid() {
		return result
	}

	configs := make(map[string]schema.StepConfig, len(agent.Steps))
	result.Merge(av.validateConfigs(agent, configs))
	result.Merge(validateReferences(agent, configs))
	if result.Valid() {
		result.Merge(validateReachability(agent, configs))
	}
	return result
}

// DecodeConfigs decodes and validates every step config of an agent. It is
// the entry point the engine uses when building a run graph.
func (av *AgentValidator) DecodeConfigs(agent *schema.Agent) (map[string]schema.StepConfig, error) {
	configs := make(map[string]schema.StepConfig, len(agent.Steps))
	if err := av.validateConfigs(agent, configs).ToError(); err != nil {
		return nil, err
	}
	return configs, nil
}

func (av *AgentValidator) validateConfigs(agent *schema.Agent, configs map[string]schema.StepConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i, step := range agent.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		cfg, err := schema.DecodeStepConfig(step.Type, step.Config)
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			continue
		}
		if err := av.structs.Struct(cfg); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) {
				for _, fe := range fieldErrs {
					result.AddError(path+".config."+fe.Field(), schema.ErrCodeValidation, describeFieldError(fe))
				}
				continue
			}
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			continue
		}
		configs[step.ID] = cfg
	}
	return result
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// validateReferences checks ids, variable names and every step reference.
func validateReferences(agent *schema.Agent, configs map[string]schema.StepConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(agent.Steps))
	for i, s := range agent.Steps {
		if stepIDs[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	names := make(map[string]bool, len(agent.Variables))
	for i, v := range agent.Variables {
		if names[v.Name] {
			result.AddError(fmt.Sprintf("variables[%d].name", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate variable %q", v.Name))
		}
		names[v.Name] = true
	}

	ref := func(path, target string) {
		if target != "" && !stepIDs[target] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", target))
		}
	}

	for i, s := range agent.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		ref(path+".nextOnSuccess", s.NextOnSuccess)
		ref(path+".nextOnFailure", s.NextOnFailure)

		switch cfg := configs[s.ID].(type) {
		case *schema.ConditionConfig:
			ref(path+".config.trueStepId", cfg.TrueStepID)
			ref(path+".config.falseStepId", cfg.FalseStepID)
		case *schema.LoopConfig:
			ref(path+".config.loopBody", cfg.LoopBody)
			if cfg.LoopBody == s.ID {
				result.AddError(path+".config.loopBody", schema.ErrCodeValidation,
					"a loop step cannot be its own body")
			}
			if cfg.Type == schema.LoopCount && cfg.Count == nil {
				result.AddError(path+".config.count", schema.ErrCodeValidation,
					"count is required when type is count")
			}
		case *schema.ErrorHandlerConfig:
			ref(path+".config.targetStepId", cfg.TargetStepID)
		}
	}
	return result
}

// validateReachability walks every edge from the entry step and warns about
// steps no path can reach. Cycles are legal.
func validateReachability(agent *schema.Agent, configs map[string]schema.StepConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(agent.Steps) == 0 {
		return result
	}

	order := SortedSteps(agent, configs)
	if len(order) == 0 {
		return result
	}

	edges := make(map[string][]string, len(agent.Steps))
	for i, id := range order {
		if i+1 < len(order) {
			edges[id] = append(edges[id], order[i+1])
		}
	}
	for _, s := range agent.Steps {
		edges[s.ID] = append(edges[s.ID], stepTargets(s, configs[s.ID])...)
	}

	reachable := map[string]bool{order[0]: true}
	queue := []string{order[0]}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i, s := range agent.Steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from the entry step", s.ID))
		}
	}
	return result
}

// stepTargets lists the explicit control-flow targets of a step.
func stepTargets(s schema.Step, cfg schema.StepConfig) []string {
	var out []string
	add := func(id string) {
		if id != "" {
			out = append(out, id)
		}
	}
	add(s.NextOnSuccess)
	add(s.NextOnFailure)
	switch c := cfg.(type) {
	case *schema.ConditionConfig:
		add(c.TrueStepID)
		add(c.FalseStepID)
	case *schema.LoopConfig:
		add(c.LoopBody)
	case *schema.ErrorHandlerConfig:
		add(c.TargetStepID)
	}
	return out
}

// LoopBodies returns the ids of steps used as the body of some LOOP step.
func LoopBodies(configs map[string]schema.StepConfig) map[string]bool {
	bodies := make(map[string]bool)
	for _, cfg := range configs {
		if loop, ok := cfg.(*schema.LoopConfig); ok && loop.LoopBody != "" {
			bodies[loop.LoopBody] = true
		}
	}
	return bodies
}

// SortedSteps returns step ids in fall-through order, (order, declaration
// index), with loop bodies excluded.
func SortedSteps(agent *schema.Agent, configs map[string]schema.StepConfig) []string {
	bodies := LoopBodies(configs)
	idx := make([]int, 0, len(agent.Steps))
	for i, s := range agent.Steps {
		if !bodies[s.ID] {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return agent.Steps[idx[a]].Order < agent.Steps[idx[b]].Order
	})
	out := make([]string, len(idx))
	for i, k := range idx {
		out[i] = agent.Steps[k].ID
	}
	return out
}
