package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/pkg/schema"
)

// Build constructs a DiagramModel from an agent and an optional execution
// record. It uses engine.BuildGraph for topology, so the diagram shows the
// same fall-through order the engine runs. Loop bodies become SubGraph
// children of their LOOP node.
func Build(agent *schema.Agent, rec *schema.ExecutionRecord) (*DiagramModel, error) {
	g, err := engine.BuildGraph(agent)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	overlays := overlayFromRecord(rec)

	model := &DiagramModel{Title: agent.Name}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})

	first := g.First()
	if first == "" {
		first = EndID
	}
	model.Edges = append(model.Edges, &Edge{From: StartID, To: first})

	placedBodies := make(map[string]bool)
	for _, id := range g.Order() {
		n, _ := g.Node(id)
		node := stepToNode(n.Step)
		node.Status = overlays[id]
		model.Nodes = append(model.Nodes, node)

		if loop, ok := n.Config.(*schema.LoopConfig); ok {
			if placedBodies[loop.LoopBody] {
				model.Edges = append(model.Edges, &Edge{From: id, To: loop.LoopBody, Label: "each"})
			} else if body, ok := g.Node(loop.LoopBody); ok {
				placedBodies[loop.LoopBody] = true
				bodyNode := stepToNode(body.Step)
				bodyNode.Status = overlays[body.Step.ID]
				node.Children = append(node.Children, &SubGraph{
					Label: "body",
					Nodes: []*Node{bodyNode},
					Edges: []*Edge{{From: id, To: bodyNode.ID, Label: "each"}},
				})
			}
		}

		model.Edges = append(model.Edges, stepEdges(g, n)...)
	}

	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	markTaken(model, rec)
	return model, nil
}

func stepToNode(step schema.Step) *Node {
	label := step.Name
	if label == "" {
		label = step.ID
	}
	return &Node{
		ID:    step.ID,
		Label: label + "\n" + string(step.Type),
		Kind:  stepTypeToKind(step.Type),
	}
}

func stepTypeToKind(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypePrompt:
		return NodeKindPrompt
	case schema.StepTypeAPICall:
		return NodeKindAPICall
	case schema.StepTypeValidation:
		return NodeKindValidation
	case schema.StepTypeTransformation:
		return NodeKindTransformation
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeLoop:
		return NodeKindLoop
	case schema.StepTypeWait:
		return NodeKindWait
	case schema.StepTypeSetVariable:
		return NodeKindSetVariable
	case schema.StepTypeErrorHandler:
		return NodeKindErrorHandler
	default:
		return NodeKindPrompt
	}
}

// stepEdges lists the outgoing edges of a top-level step.
func stepEdges(g *engine.StepGraph, n *engine.Node) []*Edge {
	id := n.Step.ID
	var edges []*Edge

	if cond, ok := n.Config.(*schema.ConditionConfig); ok {
		edges = append(edges,
			&Edge{From: id, To: cond.TrueStepID, Label: "true"},
			&Edge{From: id, To: cond.FalseStepID, Label: "false"},
		)
	} else {
		if h, ok := n.Config.(*schema.ErrorHandlerConfig); ok && h.HandlerAction == schema.HandlerJump {
			edges = append(edges, &Edge{From: id, To: h.TargetStepID, Label: "jump"})
		}
		if n.Step.NextOnSuccess != "" {
			edges = append(edges, &Edge{From: id, To: n.Step.NextOnSuccess, Label: "success"})
		} else {
			edges = append(edges, &Edge{From: id, To: orEnd(g.FallThrough(id))})
		}
	}

	if n.Step.NextOnFailure != "" {
		edges = append(edges, &Edge{From: id, To: n.Step.NextOnFailure, Label: "failure"})
	}
	return edges
}

func orEnd(id string) string {
	if id == "" {
		return EndID
	}
	return id
}

// overlayFromRecord folds every execution of a step into one overlay: the
// latest status and error, the summed duration and the visit count.
func overlayFromRecord(rec *schema.ExecutionRecord) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	if rec == nil {
		return out
	}
	for _, se := range rec.StepResults {
		o, ok := out[se.StepID]
		if !ok {
			o = &StatusOverlay{}
			out[se.StepID] = o
		}
		o.Visits++
		o.DurationMs += se.ExecutionTime
		o.Status = strings.ToLower(string(se.Status))
		o.Error = se.Error
	}
	return out
}

// markTaken flags the edges the run walked, following its execution path.
func markTaken(model *DiagramModel, rec *schema.ExecutionRecord) {
	if rec == nil || len(rec.ExecutionPath) == 0 {
		return
	}
	path := rec.ExecutionPath
	if e := model.Edge(StartID, path[0]); e != nil {
		e.Taken = true
	}
	for i := 1; i < len(path); i++ {
		if e := model.Edge(path[i-1], path[i]); e != nil {
			e.Taken = true
		}
	}
	if rec.Status == schema.ExecutionCompleted {
		if e := model.Edge(path[len(path)-1], EndID); e != nil {
			e.Taken = true
		}
	}
}

// firstLine returns the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
