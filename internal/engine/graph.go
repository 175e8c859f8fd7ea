package engine

import (
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// Node is a step with its decoded config.
type Node struct {
	Step   schema.Step
	Config schema.StepConfig
}

// StepGraph is a validated agent ready to run. It is immutable and may be
// shared by concurrent runs of the same agent.
type StepGraph struct {
	Agent    *schema.Agent
	Warnings []schema.ValidationIssue

	nodes    map[string]*Node
	order    []string
	position map[string]int
}

// BuildGraph validates agent and decodes every step config. Any violation is
// an INVALID_GRAPH error listing all of them.
func BuildGraph(agent *schema.Agent) (*StepGraph, error) {
	av, err := validation.Default()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "init agent validator: %s", err.Error()).WithCause(err)
	}
	result := av.Validate(agent)
	if !result.Valid() {
		return nil, result.ToError()
	}
	configs, err := av.DecodeConfigs(agent)
	if err != nil {
		return nil, err
	}

	g := &StepGraph{
		Agent:    agent,
		Warnings: result.Warnings,
		nodes:    make(map[string]*Node, len(agent.Steps)),
		order:    validation.SortedSteps(agent, configs),
		position: make(map[string]int),
	}
	for _, s := range agent.Steps {
		g.nodes[s.ID] = &Node{Step: s, Config: configs[s.ID]}
	}
	for i, id := range g.order {
		g.position[id] = i
	}
	return g, nil
}

// Node returns the node for id.
func (g *StepGraph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Order returns the fall-through sequence, loop bodies excluded.
func (g *StepGraph) Order() []string {
	return append([]string(nil), g.order...)
}

// First returns the entry step, or "" for an agent with no runnable steps.
func (g *StepGraph) First() string {
	if len(g.order) == 0 {
		return ""
	}
	return g.order[0]
}

// FallThrough returns the step after id in sort order. Steps outside the
// sequence (loop bodies reached by a jump) fall through to nothing.
func (g *StepGraph) FallThrough(id string) string {
	pos, ok := g.position[id]
	if !ok || pos+1 >= len(g.order) {
		return ""
	}
	return g.order[pos+1]
}

// Next selects the step to run after node produced res. halt reports that
// the run must stop as FAILED.
func (g *StepGraph) Next(node *Node, res schema.StepResult) (next string, halt bool) {
	switch {
	case res.Halt:
		return "", true
	case res.Jump != "":
		return res.Jump, false
	case res.Status == schema.StepSuccess && node.Step.NextOnSuccess != "":
		return node.Step.NextOnSuccess, false
	case res.Status == schema.StepFailure && node.Step.NextOnFailure != "":
		return node.Step.NextOnFailure, false
	default:
		return g.FallThrough(node.Step.ID), false
	}
}
