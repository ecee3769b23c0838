package definition

import (
	"slices"

	"github.com/google/uuid"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// ToBuilder stages a definition document. Omitted split and join bounds
// default to all branches (AND semantics); a single given bound is completed
// with 1 (0 when optional) or the branch count.
func ToBuilder(def *schema.ProcessDefinition) (model.Builder, error) {
	if def == nil {
		return model.Builder{}, schema.NewError(schema.ErrCodeValidation, "process definition is nil")
	}
	b := model.NewBuilder(def.Name).WithOwner(def.Owner).WithRoles(def.Roles...)
	if def.UUID != "" {
		id, err := uuid.Parse(def.UUID)
		if err != nil {
			return model.Builder{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid uuid %q", def.UUID).WithCause(err)
		}
		b = b.WithUUID(id)
	}

	for _, c := range def.Children {
		cb := model.ChildBuilder{ID: model.ModelID(c.ID)}
		for _, imp := range c.Imports {
			cb.Imports = append(cb.Imports, model.Import{Name: imp.Name, RefNode: model.NodeID(imp.RefNode), RefName: imp.RefName})
		}
		for _, exp := range c.Exports {
			cb.Exports = append(cb.Exports, model.Export{Name: exp.Name, From: model.NodeID(exp.From)})
		}
		b = b.AddChild(cb)
	}

	in, out := edgeCounts(def)
	for _, n := range def.Nodes {
		nb, err := nodeBuilder(n, in[n.ID], out[n.ID])
		if err != nil {
			return model.Builder{}, err
		}
		b = b.AddNode(nb)
	}
	// Every edge is mirrored on both endpoints, in declaration order.
	for _, n := range def.Nodes {
		id := model.NodeID(n.ID)
		for _, s := range n.Successors {
			b = b.Connect(id, model.NodeID(s))
		}
		for _, br := range n.Branches {
			b = b.Connect(id, model.NodeID(br.To))
		}
		for _, p := range n.Predecessors {
			b = b.Connect(model.NodeID(p), id)
		}
	}
	return b, nil
}

func nodeBuilder(n schema.NodeDefinition, in, out int) (model.NodeBuilder, error) {
	id := model.NodeID(n.ID)
	var nb model.NodeBuilder
	switch n.Type {
	case schema.NodeTypeStart:
		nb = model.StartNode(id)
	case schema.NodeTypeEnd:
		nb = model.EndNode(id)
	case schema.NodeTypeActivity:
		act := model.Activity{Child: model.ModelID(n.Child), Message: n.Message}
		if n.Condition != nil {
			act.Condition = &model.Condition{Lang: n.Condition.Lang, Expr: n.Condition.Expr}
		}
		nb = model.NodeBuilder{ID: id, Kind: act}
	case schema.NodeTypeSplit:
		split := model.Split{Bounds: bounds(n, out)}
		if len(n.Branches) > 0 {
			split.Conditions = make(map[model.NodeID]model.Condition, len(n.Branches))
			for _, br := range n.Branches {
				split.Conditions[model.NodeID(br.To)] = model.Condition{Lang: br.Condition.Lang, Expr: br.Condition.Expr}
			}
		}
		nb = model.NodeBuilder{ID: id, Kind: split}
	case schema.NodeTypeJoin:
		nb = model.NodeBuilder{ID: id, Kind: model.Join{Bounds: bounds(n, in), MultiMerge: n.MultiMerge}}
	default:
		return nb, schema.NewErrorf(schema.ErrCodeValidation, "node %q has unknown type %q", n.ID, n.Type).WithNode(n.ID)
	}

	nb = nb.In(model.ModelID(n.Model)).Labelled(n.Label)
	if n.MultiInstance {
		nb = nb.Multi()
	}
	return nb, nil
}

func bounds(n schema.NodeDefinition, slots int) model.Bounds {
	b := model.Bounds{Min: slots, Max: slots, Optional: n.Optional}
	switch {
	case n.Min != nil && n.Max != nil:
		b.Min, b.Max = *n.Min, *n.Max
	case n.Min != nil:
		b.Min = *n.Min
	case n.Max != nil:
		b.Max = *n.Max
		b.Min = min(1, b.Max)
		if n.Optional {
			b.Min = 0
		}
	}
	return b
}

// edgeCounts counts the distinct incoming and outgoing edges of every node,
// whichever endpoint declared them.
func edgeCounts(def *schema.ProcessDefinition) (in, out map[string]int) {
	type edge struct{ from, to string }
	seen := make(map[edge]bool)
	in, out = make(map[string]int), make(map[string]int)
	add := func(from, to string) {
		e := edge{from, to}
		if seen[e] {
			return
		}
		seen[e] = true
		out[from]++
		in[to]++
	}
	for _, n := range def.Nodes {
		for _, s := range n.Successors {
			add(n.ID, s)
		}
		for _, br := range n.Branches {
			add(n.ID, br.To)
		}
		for _, p := range n.Predecessors {
			add(p, n.ID)
		}
	}
	return in, out
}

// FromBuilder renders a staged builder. Edges are written on the source
// node only.
func FromBuilder(b model.Builder) *schema.ProcessDefinition {
	def := &schema.ProcessDefinition{
		UUID:  b.UUID().String(),
		Name:  b.Name(),
		Owner: b.Owner(),
		Roles: b.Roles(),
	}
	for _, c := range b.Children() {
		def.Children = append(def.Children, childDefinition(c.ID, c.Imports, c.Exports))
	}

	// Edges declared only as predecessors are moved to their source.
	succs := make(map[model.NodeID][]model.NodeID)
	for _, nb := range b.Nodes() {
		for _, s := range nb.Successors {
			if !slices.Contains(succs[nb.ID], s) {
				succs[nb.ID] = append(succs[nb.ID], s)
			}
		}
	}
	for _, nb := range b.Nodes() {
		for _, p := range nb.Predecessors {
			if !slices.Contains(succs[p], nb.ID) {
				succs[p] = append(succs[p], nb.ID)
			}
		}
	}
	for _, nb := range b.Nodes() {
		nb.Successors = succs[nb.ID]
		def.Nodes = append(def.Nodes, nodeDefinition(nb))
	}
	return def
}

// FromModel renders a built model.
func FromModel(m *model.RootModel) *schema.ProcessDefinition {
	def := &schema.ProcessDefinition{
		UUID:  m.UUID().String(),
		Name:  m.Name(),
		Owner: m.Owner(),
		Roles: m.Roles(),
	}
	for _, c := range m.Children() {
		def.Children = append(def.Children, childDefinition(c.ID(), c.Imports(), c.Exports()))
	}
	for _, n := range m.Nodes() {
		def.Nodes = append(def.Nodes, nodeDefinition(n.Builder()))
	}
	return def
}

func childDefinition(id model.ModelID, imports []model.Import, exports []model.Export) schema.ChildDefinition {
	c := schema.ChildDefinition{ID: string(id)}
	for _, imp := range imports {
		c.Imports = append(c.Imports, schema.ImportDefinition{Name: imp.Name, RefNode: string(imp.RefNode), RefName: imp.RefName})
	}
	for _, exp := range exports {
		c.Exports = append(c.Exports, schema.ExportDefinition{Name: exp.Name, From: string(exp.From)})
	}
	return c
}

func nodeDefinition(nb model.NodeBuilder) schema.NodeDefinition {
	n := schema.NodeDefinition{
		ID:            string(nb.ID),
		Label:         nb.Label,
		Model:         string(nb.Owner),
		MultiInstance: nb.MultiInstance,
	}
	var conds map[model.NodeID]model.Condition
	switch k := nb.Kind.(type) {
	case model.Start:
		n.Type = schema.NodeTypeStart
	case model.End:
		n.Type = schema.NodeTypeEnd
	case model.Activity:
		n.Type = schema.NodeTypeActivity
		n.Child = string(k.Child)
		n.Message = k.Message
		if k.Condition != nil {
			n.Condition = &schema.ConditionDefinition{Lang: k.Condition.Lang, Expr: k.Condition.Expr}
		}
	case model.Split:
		n.Type = schema.NodeTypeSplit
		n.Min, n.Max, n.Optional = &k.Min, &k.Max, k.Optional
		conds = k.Conditions
	case model.Join:
		n.Type = schema.NodeTypeJoin
		n.Min, n.Max, n.Optional = &k.Min, &k.Max, k.Optional
		n.MultiMerge = k.MultiMerge
	}

	// Branch targets stay in Successors so declaration order survives.
	for _, s := range nb.Successors {
		n.Successors = append(n.Successors, string(s))
		if c, ok := conds[s]; ok {
			n.Branches = append(n.Branches, schema.BranchDefinition{
				To:        string(s),
				Condition: schema.ConditionDefinition{Lang: c.Lang, Expr: c.Expr},
			})
		}
	}
	return n
}
