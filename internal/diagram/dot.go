package diagram

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"
)

const dotGraphName = "agent"

// RenderDOT renders a DiagramModel as Graphviz DOT source. Unlike RenderImage
// it needs no graphviz runtime, so it is the format served to remote clients.
func RenderDOT(model *DiagramModel) (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName(dotGraphName); err != nil {
		return "", fmt.Errorf("diagram: dot name: %w", err)
	}
	if err := g.SetDir(true); err != nil {
		return "", fmt.Errorf("diagram: dot dir: %w", err)
	}
	if err := g.AddAttr(dotGraphName, "rankdir", "TB"); err != nil {
		return "", fmt.Errorf("diagram: dot attr: %w", err)
	}
	if model.Title != "" {
		if err := g.AddAttr(dotGraphName, "label", strconv.Quote(model.Title)); err != nil {
			return "", fmt.Errorf("diagram: dot attr: %w", err)
		}
	}

	var edges []*Edge
	for _, node := range model.Nodes {
		if err := g.AddNode(dotGraphName, strconv.Quote(node.ID), dotNodeAttrs(node)); err != nil {
			return "", fmt.Errorf("diagram: dot node %s: %w", node.ID, err)
		}
		for _, sg := range node.Children {
			cluster := strconv.Quote("cluster_" + node.ID + "_" + sg.Label)
			attrs := map[string]string{"label": strconv.Quote(sg.Label), "style": "dashed"}
			if err := g.AddSubGraph(dotGraphName, cluster, attrs); err != nil {
				return "", fmt.Errorf("diagram: dot cluster %s: %w", node.ID, err)
			}
			for _, sub := range sg.Nodes {
				if err := g.AddNode(cluster, strconv.Quote(sub.ID), dotNodeAttrs(sub)); err != nil {
					return "", fmt.Errorf("diagram: dot node %s: %w", sub.ID, err)
				}
			}
			edges = append(edges, sg.Edges...)
		}
	}
	edges = append(edges, model.Edges...)

	for _, edge := range edges {
		attrs := map[string]string{}
		if edge.Label != "" {
			attrs["label"] = strconv.Quote(edge.Label)
		}
		if edge.Taken {
			attrs["style"] = "bold"
			attrs["color"] = strconv.Quote("#1a5276")
		}
		if err := g.AddEdge(strconv.Quote(edge.From), strconv.Quote(edge.To), true, attrs); err != nil {
			return "", fmt.Errorf("diagram: dot edge %s->%s: %w", edge.From, edge.To, err)
		}
	}

	return g.String(), nil
}

func dotNodeAttrs(node *Node) map[string]string {
	attrs := map[string]string{
		"label": strconv.Quote(nodeCaption(node)),
		"shape": dotShape(node.Kind),
	}
	if node.Status == nil {
		return attrs
	}
	switch node.Status.Status {
	case StatusSuccess:
		attrs["style"] = "filled"
		attrs["fillcolor"] = strconv.Quote("#2d6a2d")
		attrs["fontcolor"] = "white"
	case StatusFailure:
		attrs["style"] = "filled"
		attrs["fillcolor"] = strconv.Quote("#8b1a1a")
		attrs["fontcolor"] = "white"
	case StatusSkipped:
		attrs["style"] = "dashed"
		attrs["fontcolor"] = strconv.Quote("#888888")
	}
	return attrs
}

func dotShape(kind NodeKind) string {
	switch kind {
	case NodeKindCondition:
		return "diamond"
	case NodeKindPrompt:
		return "hexagon"
	case NodeKindWait:
		return "ellipse"
	case NodeKindAPICall:
		return "parallelogram"
	case NodeKindErrorHandler:
		return "octagon"
	case NodeKindStart, NodeKindEnd:
		return "circle"
	default:
		return "box"
	}
}
