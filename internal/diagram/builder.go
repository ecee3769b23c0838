package diagram

import (
	"fmt"

	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// Build constructs a DiagramModel from a built model and, optionally, the
// node instances of a snapshot. Root-scope nodes are laid out in levels by
// distance from the start node; each composite activity gets its child
// model as a subgraph.
func Build(m *model.RootModel, nodes []engine.NodeSnapshot) (*DiagramModel, error) {
	if m == nil {
		return nil, fmt.Errorf("diagram: nil model")
	}
	overlays := buildOverlays(nodes)

	dm := &DiagramModel{Title: m.Name()}
	dm.Nodes, dm.Edges = buildScope(m, m.RootNodes(), overlays)

	start, ok := m.StartOf(model.RootScope)
	if !ok {
		return nil, fmt.Errorf("diagram: model %s has no start node", m.Name())
	}
	dm.Levels = buildLevels(m, start, m.RootNodes())
	return dm, nil
}

// buildScope maps the nodes of one scope and the edges between them.
func buildScope(m *model.RootModel, ids []model.NodeID, overlays map[model.NodeID]*StatusOverlay) ([]*Node, []Edge) {
	nodes := make([]*Node, 0, len(ids))
	var edges []Edge
	for _, id := range ids {
		n, ok := m.Node(id)
		if !ok {
			continue
		}
		dn := &Node{
			ID:     string(id),
			Label:  nodeLabel(n),
			Kind:   nodeKind(n),
			Status: overlays[id],
		}
		if childID, ok := n.Composite(); ok {
			if child, ok := m.Child(childID); ok {
				sg := &SubGraph{Label: string(childID)}
				sg.Nodes, sg.Edges = buildScope(m, child.Nodes(), overlays)
				dn.Children = append(dn.Children, sg)
			}
		}
		nodes = append(nodes, dn)
		edges = append(edges, nodeEdges(n)...)
	}
	return nodes, edges
}

// nodeKind maps a model node to a NodeKind.
func nodeKind(n *model.Node) NodeKind {
	switch n.KindName() {
	case model.KindStart:
		return NodeKindStart
	case model.KindEnd:
		return NodeKindEnd
	case model.KindSplit:
		return NodeKindSplit
	case model.KindJoin:
		return NodeKindJoin
	}
	if _, ok := n.Composite(); ok {
		return NodeKindComposite
	}
	return NodeKindActivity
}

// nodeLabel creates a human-readable label: the node label or id, with the
// bounds of splits and joins on a second line.
func nodeLabel(n *model.Node) string {
	label := n.Label()
	if label == "" {
		label = string(n.ID())
	}
	if s, ok := n.AsSplit(); ok {
		return fmt.Sprintf("%s\n%s", label, boundsLabel(s.Bounds))
	}
	if j, ok := n.AsJoin(); ok {
		return fmt.Sprintf("%s\n%s", label, boundsLabel(j.Bounds))
	}
	return label
}

func boundsLabel(b model.Bounds) string {
	return fmt.Sprintf("[%d..%d]", b.Min, b.Max)
}

// nodeEdges returns the outgoing edges of n, labelled with branch conditions.
func nodeEdges(n *model.Node) []Edge {
	split, isSplit := n.AsSplit()
	edges := make([]Edge, 0, n.SuccessorCount())
	for _, succ := range n.Successors() {
		e := Edge{From: string(n.ID()), To: string(succ)}
		if isSplit {
			if c, ok := split.Conditions[succ]; ok {
				e.Label = c.Expr
			}
		}
		edges = append(edges, e)
	}
	return edges
}

// buildOverlays folds node instances into one overlay per node. A node with
// an active instance shows as active; otherwise it shows the state of its
// newest instance.
func buildOverlays(nodes []engine.NodeSnapshot) map[model.NodeID]*StatusOverlay {
	overlays := make(map[model.NodeID]*StatusOverlay)
	newest := make(map[model.NodeID]int)
	for _, ns := range nodes {
		o, ok := overlays[ns.Key.Node]
		if !ok {
			o = &StatusOverlay{}
			overlays[ns.Key.Node] = o
		}
		o.Instances++
		if ns.State == schema.NodeStateActive {
			o.Active++
		}
		if ns.Key.Index >= newest[ns.Key.Node] {
			newest[ns.Key.Node] = ns.Key.Index
			o.Status = string(ns.State)
		}
	}
	for _, o := range overlays {
		if o.Active > 0 {
			o.Status = string(schema.NodeStateActive)
		}
	}
	return overlays
}

// buildLevels assigns each node of the scope the level at which a
// breadth-first walk from start first reaches it. Back edges of loops are
// ignored; unreachable nodes go to a final level.
func buildLevels(m *model.RootModel, start model.NodeID, ids []model.NodeID) [][]string {
	level := map[model.NodeID]int{start: 0}
	queue := []model.NodeID{start}
	var levels [][]string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		l := level[id]
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], string(id))

		n, ok := m.Node(id)
		if !ok {
			continue
		}
		for _, succ := range n.Successors() {
			if _, seen := level[succ]; !seen {
				level[succ] = l + 1
				queue = append(queue, succ)
			}
		}
	}
	var rest []string
	for _, id := range ids {
		if _, seen := level[id]; !seen {
			rest = append(rest, string(id))
		}
	}
	if len(rest) > 0 {
		levels = append(levels, rest)
	}
	return levels
}
