package diagram

// NodeKind classifies a diagram node by the kind of its model node.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
	NodeKindActivity  NodeKind = "activity"
	NodeKindComposite NodeKind = "composite"
	NodeKindSplit     NodeKind = "split"
	NodeKindJoin      NodeKind = "join"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes and Edges cover the root scope; child models hang off their
// composite nodes as subgraphs.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single model node in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // the child model of a composite activity
}

// SubGraph holds the nodes of a child model.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the runtime state of a node's instances.
type StatusOverlay struct {
	Status    string // a schema.NodeState
	Instances int
	Active    int
}

// Edge is a flow relation. Label carries the branch condition of a split.
type Edge struct {
	From  string
	To    string
	Label string
}

// walk visits every node, including those nested in subgraphs.
func (m *DiagramModel) walk(fn func(*Node)) {
	var visit func([]*Node)
	visit = func(nodes []*Node) {
		for _, n := range nodes {
			fn(n)
			for _, sg := range n.Children {
				visit(sg.Nodes)
			}
		}
	}
	visit(m.Nodes)
}
