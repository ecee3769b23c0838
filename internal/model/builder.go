package model

import (
	"slices"

	"github.com/google/uuid"
)

// NodeBuilder is the mutable staging form of a Node. It is a plain value:
// modifiers return an updated copy and never touch the receiver.
type NodeBuilder struct {
	ID            NodeID
	Label         string
	Owner         ModelID
	Predecessors  []NodeID
	Successors    []NodeID
	MultiInstance bool
	Kind          Kind
}

// StartNode stages a start node.
func StartNode(id NodeID) NodeBuilder { return NodeBuilder{ID: id, Kind: Start{}} }

// EndNode stages an end node.
func EndNode(id NodeID) NodeBuilder { return NodeBuilder{ID: id, Kind: End{}} }

// ActivityNode stages a plain activity.
func ActivityNode(id NodeID) NodeBuilder { return NodeBuilder{ID: id, Kind: Activity{}} }

// CompositeNode stages an activity whose body is the child model child.
func CompositeNode(id NodeID, child ModelID) NodeBuilder {
	return NodeBuilder{ID: id, Kind: Activity{Child: child}}
}

// SplitNode stages a split activating between min and max successors.
func SplitNode(id NodeID, min, max int) NodeBuilder {
	return NodeBuilder{ID: id, Kind: Split{Bounds: Bounds{Min: min, Max: max}}}
}

// AndSplit stages a split activating all n successors.
func AndSplit(id NodeID, n int) NodeBuilder { return SplitNode(id, n, n) }

// XorSplit stages a split activating exactly one successor.
func XorSplit(id NodeID) NodeBuilder { return SplitNode(id, 1, 1) }

// JoinNode stages a join firing once min predecessors arrived, accepting at most max.
func JoinNode(id NodeID, min, max int) NodeBuilder {
	return NodeBuilder{ID: id, Kind: Join{Bounds: Bounds{Min: min, Max: max}}}
}

// AndJoin stages a join waiting for all n predecessors.
func AndJoin(id NodeID, n int) NodeBuilder { return JoinNode(id, n, n) }

// XorJoin stages a join firing on every single arrival.
func XorJoin(id NodeID) NodeBuilder { return JoinNode(id, 1, 1) }

// In places the node in a child model scope.
func (nb NodeBuilder) In(scope ModelID) NodeBuilder {
	nb = nb.clone()
	nb.Owner = scope
	return nb
}

// Labelled sets the human-readable label.
func (nb NodeBuilder) Labelled(label string) NodeBuilder {
	nb = nb.clone()
	nb.Label = label
	return nb
}

// Multi marks the node multi-instance.
func (nb NodeBuilder) Multi() NodeBuilder {
	nb = nb.clone()
	nb.MultiInstance = true
	return nb
}

// After appends predecessors.
func (nb NodeBuilder) After(ids ...NodeID) NodeBuilder {
	nb = nb.clone()
	for _, id := range ids {
		if !slices.Contains(nb.Predecessors, id) {
			nb.Predecessors = append(nb.Predecessors, id)
		}
	}
	return nb
}

// Then appends successors.
func (nb NodeBuilder) Then(ids ...NodeID) NodeBuilder {
	nb = nb.clone()
	for _, id := range ids {
		if !slices.Contains(nb.Successors, id) {
			nb.Successors = append(nb.Successors, id)
		}
	}
	return nb
}

// When sets the activation condition of an activity. It is ignored for other kinds.
func (nb NodeBuilder) When(c Condition) NodeBuilder {
	nb = nb.clone()
	if a, ok := nb.Kind.(Activity); ok {
		a.Condition = &c
		nb.Kind = a
	}
	return nb
}

// Branch appends a conditioned successor to a split.
func (nb NodeBuilder) Branch(to NodeID, c Condition) NodeBuilder {
	nb = nb.Then(to)
	if s, ok := nb.Kind.(Split); ok {
		if s.Conditions == nil {
			s.Conditions = make(map[NodeID]Condition)
		}
		s.Conditions[to] = c
		nb.Kind = s
	}
	return nb
}

// MultiMerge lets a join fire independently for distinct waves.
func (nb NodeBuilder) MultiMerge() NodeBuilder {
	nb = nb.clone()
	if j, ok := nb.Kind.(Join); ok {
		j.MultiMerge = true
		nb.Kind = j
	}
	return nb
}

// Optional permits a split or join with min 0.
func (nb NodeBuilder) Optional() NodeBuilder {
	nb = nb.clone()
	switch k := nb.Kind.(type) {
	case Split:
		k.Optional = true
		nb.Kind = k
	case Join:
		k.Optional = true
		nb.Kind = k
	}
	return nb
}

func (nb NodeBuilder) clone() NodeBuilder {
	nb.Predecessors = slices.Clone(nb.Predecessors)
	nb.Successors = slices.Clone(nb.Successors)
	if nb.Kind != nil {
		nb.Kind = nb.Kind.clone()
	}
	return nb
}

// ChildBuilder stages a child model. Its nodes are the NodeBuilders whose
// Owner is ID; its owning composite is the activity whose Child is ID.
type ChildBuilder struct {
	ID      ModelID
	Imports []Import
	Exports []Export
}

func (cb ChildBuilder) clone() ChildBuilder {
	cb.Imports = slices.Clone(cb.Imports)
	cb.Exports = slices.Clone(cb.Exports)
	return cb
}

// Builder stages a root model. It is copy-on-write: every mutation returns a
// new Builder and leaves the receiver untouched, so a Builder may be shared
// and branched freely.
type Builder struct {
	uuid     uuid.UUID
	name     string
	owner    string
	roles    []string
	handle   int64
	nodes    []NodeBuilder
	children []ChildBuilder
}

// NewBuilder starts an empty model with a random UUID.
func NewBuilder(name string) Builder {
	return Builder{uuid: uuid.New(), name: name}
}

func (b Builder) Name() string    { return b.name }
func (b Builder) UUID() uuid.UUID { return b.uuid }
func (b Builder) Owner() string   { return b.owner }
func (b Builder) Roles() []string { return slices.Clone(b.roles) }
func (b Builder) Handle() int64   { return b.handle }

// WithUUID sets the model UUID.
func (b Builder) WithUUID(id uuid.UUID) Builder {
	b = b.clone()
	b.uuid = id
	return b
}

// WithName sets the model name.
func (b Builder) WithName(name string) Builder {
	b = b.clone()
	b.name = name
	return b
}

// WithOwner sets the owning principal.
func (b Builder) WithOwner(owner string) Builder {
	b = b.clone()
	b.owner = owner
	return b
}

// WithRoles sets the roles allowed to use the model.
func (b Builder) WithRoles(roles ...string) Builder {
	b = b.clone()
	b.roles = slices.Clone(roles)
	return b
}

// WithHandle sets the persistence handle.
func (b Builder) WithHandle(h int64) Builder {
	b = b.clone()
	b.handle = h
	return b
}

// AddNode appends a node. Adding an id twice is reported by Validate; use
// ReplaceNode to swap a staged node.
func (b Builder) AddNode(nb NodeBuilder) Builder {
	b = b.clone()
	b.nodes = append(b.nodes, nb.clone())
	return b
}

// ReplaceNode swaps the node with the same id, keeping its declaration position.
// It is a no-op when the id is unknown.
func (b Builder) ReplaceNode(nb NodeBuilder) Builder {
	i := b.indexOf(nb.ID)
	if i < 0 {
		return b
	}
	b = b.clone()
	b.nodes[i] = nb.clone()
	return b
}

// RemoveNode drops a node and every edge that mentions it.
func (b Builder) RemoveNode(id NodeID) Builder {
	b = b.clone()
	b.nodes = slices.DeleteFunc(b.nodes, func(nb NodeBuilder) bool { return nb.ID == id })
	for i := range b.nodes {
		b.nodes[i].Predecessors = slices.DeleteFunc(b.nodes[i].Predecessors, func(p NodeID) bool { return p == id })
		b.nodes[i].Successors = slices.DeleteFunc(b.nodes[i].Successors, func(s NodeID) bool { return s == id })
		if s, ok := b.nodes[i].Kind.(Split); ok && s.Conditions != nil {
			delete(s.Conditions, id)
			b.nodes[i].Kind = s
		}
	}
	return b
}

// Connect adds the edge from→to on both endpoints. Unknown endpoints are
// recorded on the known side so validation can report the dangling id.
func (b Builder) Connect(from, to NodeID) Builder {
	b = b.clone()
	if i := b.indexOf(from); i >= 0 && !slices.Contains(b.nodes[i].Successors, to) {
		b.nodes[i].Successors = append(b.nodes[i].Successors, to)
	}
	if i := b.indexOf(to); i >= 0 && !slices.Contains(b.nodes[i].Predecessors, from) {
		b.nodes[i].Predecessors = append(b.nodes[i].Predecessors, from)
	}
	return b
}

// Chain connects each id to the next one.
func (b Builder) Chain(ids ...NodeID) Builder {
	for i := 0; i+1 < len(ids); i++ {
		b = b.Connect(ids[i], ids[i+1])
	}
	return b
}

// Disconnect removes the edge from→to on both endpoints.
func (b Builder) Disconnect(from, to NodeID) Builder {
	b = b.clone()
	if i := b.indexOf(from); i >= 0 {
		b.nodes[i].Successors = slices.DeleteFunc(b.nodes[i].Successors, func(s NodeID) bool { return s == to })
	}
	if i := b.indexOf(to); i >= 0 {
		b.nodes[i].Predecessors = slices.DeleteFunc(b.nodes[i].Predecessors, func(p NodeID) bool { return p == from })
	}
	return b
}

// AddChild declares a child model.
func (b Builder) AddChild(cb ChildBuilder) Builder {
	b = b.clone()
	b.children = append(b.children, cb.clone())
	return b
}

// ReplaceChild swaps the child model with the same id. It is a no-op when the
// id is unknown.
func (b Builder) ReplaceChild(cb ChildBuilder) Builder {
	i := slices.IndexFunc(b.children, func(c ChildBuilder) bool { return c.ID == cb.ID })
	if i < 0 {
		return b
	}
	b = b.clone()
	b.children[i] = cb.clone()
	return b
}

// Node returns a copy of the staged node with the given id.
func (b Builder) Node(id NodeID) (NodeBuilder, bool) {
	i := b.indexOf(id)
	if i < 0 {
		return NodeBuilder{}, false
	}
	return b.nodes[i].clone(), true
}

// Nodes returns copies of all staged nodes in declaration order.
func (b Builder) Nodes() []NodeBuilder {
	out := make([]NodeBuilder, len(b.nodes))
	for i, nb := range b.nodes {
		out[i] = nb.clone()
	}
	return out
}

// Children returns copies of all staged child models.
func (b Builder) Children() []ChildBuilder {
	out := make([]ChildBuilder, len(b.children))
	for i, cb := range b.children {
		out[i] = cb.clone()
	}
	return out
}

func (b Builder) indexOf(id NodeID) int {
	return slices.IndexFunc(b.nodes, func(nb NodeBuilder) bool { return nb.ID == id })
}

func (b Builder) clone() Builder {
	b.roles = slices.Clone(b.roles)
	nodes := make([]NodeBuilder, len(b.nodes))
	for i, nb := range b.nodes {
		nodes[i] = nb.clone()
	}
	b.nodes = nodes
	children := make([]ChildBuilder, len(b.children))
	for i, cb := range b.children {
		children[i] = cb.clone()
	}
	b.children = children
	return b
}
