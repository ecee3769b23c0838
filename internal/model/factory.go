package model

import (
	"slices"

	"github.com/rendis/procgraph/pkg/schema"
)

// NodeFactory materializes validated node builders into immutable nodes.
// Build calls it once per node, children before their parents.
type NodeFactory interface {
	NewNode(nb NodeBuilder) (*Node, error)
}

// NodeFactoryFunc adapts a function to NodeFactory.
type NodeFactoryFunc func(nb NodeBuilder) (*Node, error)

func (f NodeFactoryFunc) NewNode(nb NodeBuilder) (*Node, error) { return f(nb) }

// DefaultFactory copies the builder data into a Node.
type DefaultFactory struct{}

func (DefaultFactory) NewNode(nb NodeBuilder) (*Node, error) {
	if nb.Kind == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "node %q has no kind", nb.ID).WithNode(string(nb.ID))
	}
	return &Node{
		id:    nb.ID,
		label: nb.Label,
		owner: nb.Owner,
		preds: slices.Clone(nb.Predecessors),
		succs: slices.Clone(nb.Successors),
		multi: nb.MultiInstance,
		kind:  nb.Kind.clone(),
	}, nil
}

// Build validates, normalizes (unless pedantic) and materializes the model.
// It returns either a complete model or an error carrying every issue.
func (b Builder) Build(pedantic bool) (*RootModel, error) {
	return b.BuildWith(BuildOptions{Pedantic: pedantic})
}

// BuildWith is Build with explicit options.
func (b Builder) BuildWith(opts BuildOptions) (*RootModel, error) {
	if result := b.Validate(opts); !result.Valid() {
		return nil, result.ToError()
	}
	staged := b
	if !opts.Pedantic {
		staged, _ = b.Normalize(false)
		if result := staged.Validate(BuildOptions{Pedantic: true, Compat: opts.Compat}); !result.Valid() {
			return nil, result.ToError()
		}
	}
	factory := opts.Factory
	if factory == nil {
		factory = DefaultFactory{}
	}
	return staged.materialize(factory)
}

func (b Builder) materialize(factory NodeFactory) (*RootModel, error) {
	idx := b.index()
	order, ok := childOrder(idx.parentOf)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeChildModel, "child model ownership contains a cycle")
	}

	m := &RootModel{
		uuid:     b.uuid,
		name:     b.name,
		owner:    b.owner,
		roles:    slices.Clone(b.roles),
		handle:   b.handle,
		nodes:    make(map[NodeID]*Node, len(b.nodes)),
		childIdx: make(map[ModelID]int, len(order)),
	}

	// scope materializes every node of one scope and returns ids, start, ends.
	scope := func(id ModelID) ([]NodeID, NodeID, []NodeID, error) {
		var start NodeID
		var ends []NodeID
		ids := slices.Clone(idx.byScope[id])
		for _, nid := range ids {
			n, err := factory.NewNode(idx.nodes[nid])
			if err != nil {
				return nil, "", nil, schema.NewErrorf(schema.ErrCodeInternal, "materializing node %q", nid).
					WithNode(string(nid)).WithCause(err)
			}
			m.nodes[nid] = n
			switch n.kind.(type) {
			case Start:
				start = nid
			case End:
				ends = append(ends, nid)
			}
		}
		return ids, start, ends, nil
	}

	for _, child := range order {
		ids, start, ends, err := scope(child)
		if err != nil {
			return nil, err
		}
		cb := idx.children[child]
		m.childIdx[child] = len(m.children)
		m.children = append(m.children, &ChildModel{
			id:        child,
			parent:    idx.parentOf[child],
			composite: idx.composite[child][0],
			imports:   slices.Clone(cb.Imports),
			exports:   slices.Clone(cb.Exports),
			nodes:     ids,
			start:     start,
			ends:      ends,
		})
	}

	ids, start, ends, err := scope(RootScope)
	if err != nil {
		return nil, err
	}
	m.rootIDs, m.start, m.ends = ids, start, ends
	for _, nb := range b.nodes {
		m.order = append(m.order, nb.ID)
	}
	return m, nil
}
