package model

import "slices"

// Node is an immutable process node. Nodes are produced by a NodeFactory while
// building a model and are safe to share between goroutines.
type Node struct {
	id    NodeID
	label string
	owner ModelID
	preds []NodeID
	succs []NodeID
	multi bool
	kind  Kind
}

func (n *Node) ID() NodeID         { return n.id }
func (n *Node) Label() string      { return n.label }
func (n *Node) Owner() ModelID     { return n.owner }
func (n *Node) Kind() Kind         { return n.kind }
func (n *Node) KindName() KindName { return n.kind.Name() }

// MultiInstance reports whether every activation allocates a fresh instance index.
func (n *Node) MultiInstance() bool { return n.multi }

// Predecessors returns the predecessor ids in declaration order.
func (n *Node) Predecessors() []NodeID { return slices.Clone(n.preds) }

// Successors returns the successor ids in declaration order.
func (n *Node) Successors() []NodeID { return slices.Clone(n.succs) }

// PredecessorCount returns the number of declared predecessors.
func (n *Node) PredecessorCount() int { return len(n.preds) }

// SuccessorCount returns the number of declared successors.
func (n *Node) SuccessorCount() int { return len(n.succs) }

// HasPredecessor reports whether id is a declared predecessor.
func (n *Node) HasPredecessor(id NodeID) bool { return slices.Contains(n.preds, id) }

// AsJoin returns the join data if the node is a join.
func (n *Node) AsJoin() (Join, bool) {
	j, ok := n.kind.(Join)
	return j, ok
}

// AsSplit returns the split data if the node is a split.
func (n *Node) AsSplit() (Split, bool) {
	s, ok := n.kind.(Split)
	return s, ok
}

// AsActivity returns the activity data if the node is an activity.
func (n *Node) AsActivity() (Activity, bool) {
	a, ok := n.kind.(Activity)
	return a, ok
}

// Composite returns the child model id if the node is a composite activity.
func (n *Node) Composite() (ModelID, bool) {
	a, ok := n.kind.(Activity)
	if !ok || !a.Composite() {
		return "", false
	}
	return a.Child, true
}

// IsEnd reports whether the node is an end node.
func (n *Node) IsEnd() bool {
	_, ok := n.kind.(End)
	return ok
}

// Builder returns a NodeBuilder holding a copy of the node's data.
func (n *Node) Builder() NodeBuilder {
	return NodeBuilder{
		ID:            n.id,
		Label:         n.label,
		Owner:         n.owner,
		Predecessors:  slices.Clone(n.preds),
		Successors:    slices.Clone(n.succs),
		MultiInstance: n.multi,
		Kind:          n.kind.clone(),
	}
}
