package model

import (
	"slices"

	"github.com/google/uuid"
)

// Import binds a named value inside a child model to a node of an enclosing
// scope. It is the only way a child model may refer to an id outside itself.
type Import struct {
	Name    string
	RefNode NodeID
	RefName string
}

// Export names a result handed back by a child model to its composite activity.
type Export struct {
	Name string
	From NodeID
}

// ChildModel is a sub-graph owned by a composite activity. It refers to its
// parent scope and composite by id; lookups go through the RootModel arena.
type ChildModel struct {
	id        ModelID
	parent    ModelID
	composite NodeID
	imports   []Import
	exports   []Export
	nodes     []NodeID
	start     NodeID
	ends      []NodeID
}

func (c *ChildModel) ID() ModelID       { return c.id }
func (c *ChildModel) Parent() ModelID   { return c.parent }
func (c *ChildModel) Composite() NodeID { return c.composite }
func (c *ChildModel) Imports() []Import { return slices.Clone(c.imports) }
func (c *ChildModel) Exports() []Export { return slices.Clone(c.exports) }
func (c *ChildModel) Nodes() []NodeID   { return slices.Clone(c.nodes) }
func (c *ChildModel) Start() NodeID     { return c.start }
func (c *ChildModel) Ends() []NodeID    { return slices.Clone(c.ends) }
func (c *ChildModel) EndCount() int     { return len(c.ends) }

// RootModel is an immutable, fully validated process model. It owns every node
// of the root scope and of all child models, which live in an arena indexed by
// ModelID.
type RootModel struct {
	uuid   uuid.UUID
	name   string
	owner  string
	roles  []string
	handle int64

	nodes    map[NodeID]*Node
	order    []NodeID
	rootIDs  []NodeID
	start    NodeID
	ends     []NodeID
	children []*ChildModel
	childIdx map[ModelID]int
}

func (m *RootModel) UUID() uuid.UUID { return m.uuid }
func (m *RootModel) Name() string    { return m.name }
func (m *RootModel) Owner() string   { return m.owner }
func (m *RootModel) Roles() []string { return slices.Clone(m.roles) }

// Handle is the persistence handle, 0 when the model was never stored.
func (m *RootModel) Handle() int64 { return m.handle }

// Node looks up a node in any scope.
func (m *RootModel) Node(id NodeID) (*Node, bool) {
	n, ok := m.nodes[id]
	return n, ok
}

// Nodes returns every node of every scope in declaration order.
func (m *RootModel) Nodes() []*Node {
	out := make([]*Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.nodes[id])
	}
	return out
}

// NodeCount returns the number of nodes across all scopes.
func (m *RootModel) NodeCount() int { return len(m.order) }

// RootNodes returns the ids of the nodes owned by the root scope.
func (m *RootModel) RootNodes() []NodeID { return slices.Clone(m.rootIDs) }

// Child looks up a child model by id.
func (m *RootModel) Child(id ModelID) (*ChildModel, bool) {
	i, ok := m.childIdx[id]
	if !ok {
		return nil, false
	}
	return m.children[i], true
}

// Children returns the child models in build order (deepest first).
func (m *RootModel) Children() []*ChildModel { return slices.Clone(m.children) }

// StartOf returns the start node of a scope.
func (m *RootModel) StartOf(scope ModelID) (NodeID, bool) {
	if scope == RootScope {
		return m.start, m.start != ""
	}
	c, ok := m.Child(scope)
	if !ok {
		return "", false
	}
	return c.start, true
}

// EndsOf returns the end nodes of a scope.
func (m *RootModel) EndsOf(scope ModelID) []NodeID {
	if scope == RootScope {
		return slices.Clone(m.ends)
	}
	c, ok := m.Child(scope)
	if !ok {
		return nil
	}
	return c.Ends()
}

// Depth returns how many composite levels separate scope from the root.
func (m *RootModel) Depth(scope ModelID) int {
	depth := 0
	for scope != RootScope && depth <= len(m.children) {
		c, ok := m.Child(scope)
		if !ok {
			break
		}
		scope = c.parent
		depth++
	}
	return depth
}

// ScopeOf returns the scope owning node id.
func (m *RootModel) ScopeOf(id NodeID) (ModelID, bool) {
	n, ok := m.nodes[id]
	if !ok {
		return "", false
	}
	return n.owner, true
}

// EndCount returns the number of end nodes of the root scope.
func (m *RootModel) EndCount() int { return len(m.ends) }

// Builder returns a Builder that reproduces this model. Building it again
// yields a new, independent model.
func (m *RootModel) Builder() Builder {
	b := NewBuilder(m.name).
		WithUUID(m.uuid).
		WithOwner(m.owner).
		WithRoles(m.roles...).
		WithHandle(m.handle)
	for _, c := range slices.Backward(m.children) {
		b = b.AddChild(ChildBuilder{ID: c.id, Imports: c.Imports(), Exports: c.Exports()})
	}
	for _, id := range m.order {
		b = b.AddNode(m.nodes[id].Builder())
	}
	return b
}
