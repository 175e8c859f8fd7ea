package diagram

// NodeKind classifies diagram nodes for shape rendering.
type NodeKind string

const (
	NodeKindPrompt         NodeKind = "prompt"
	NodeKindAPICall        NodeKind = "api_call"
	NodeKindValidation     NodeKind = "validation"
	NodeKindTransformation NodeKind = "transformation"
	NodeKindCondition      NodeKind = "condition"
	NodeKindLoop           NodeKind = "loop"
	NodeKindWait           NodeKind = "wait"
	NodeKindSetVariable    NodeKind = "set_variable"
	NodeKindErrorHandler   NodeKind = "error_handler"
	NodeKindStart          NodeKind = "start"
	NodeKindEnd            NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// Overlay statuses, in lower case for class names.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// DiagramModel is the intermediate representation consumed by every renderer.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []*Edge
}

// Node is one step (or a virtual start/end marker).
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // loop bodies
}

// SubGraph groups the nodes a LOOP step runs per iteration.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []*Edge
}

// StatusOverlay carries runtime state from an execution record.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Visits     int
	Error      string
}

// Edge connects two nodes. Taken marks edges the overlaid run traversed.
type Edge struct {
	From  string
	To    string
	Label string
	Taken bool
}

// Node returns the node with the given id, searching loop bodies too.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
		for _, sg := range n.Children {
			for _, c := range sg.Nodes {
				if c.ID == id {
					return c
				}
			}
		}
	}
	return nil
}

// Edge returns the first top-level edge from -> to.
func (m *DiagramModel) Edge(from, to string) *Edge {
	for _, e := range m.Edges {
		if e.From == from && e.To == to {
			return e
		}
	}
	return nil
}
