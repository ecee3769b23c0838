package model

import (
	"fmt"
	"slices"

	"github.com/rendis/procgraph/pkg/schema"
)

// BuildOptions controls validation and materialization.
type BuildOptions struct {
	// Pedantic rejects every structural inconsistency instead of normalizing it away.
	Pedantic bool
	// Compat lets activities declare more than one successor; all of them are
	// activated on completion.
	Compat bool
	// Factory materializes nodes; nil means DefaultFactory.
	Factory NodeFactory
}

// scopeIndex is the per-build view of a builder: nodes by id, scopes, owners.
type scopeIndex struct {
	nodes     map[NodeID]NodeBuilder
	children  map[ModelID]ChildBuilder
	composite map[ModelID][]NodeID // child id -> composites claiming it
	parentOf  map[ModelID]ModelID  // child id -> parent scope, only for resolvable children
	byScope   map[ModelID][]NodeID // declaration order
	adj       adjacency
}

func (b Builder) index() scopeIndex {
	idx := scopeIndex{
		nodes:     make(map[NodeID]NodeBuilder, len(b.nodes)),
		children:  make(map[ModelID]ChildBuilder, len(b.children)),
		composite: make(map[ModelID][]NodeID),
		parentOf:  make(map[ModelID]ModelID),
		byScope:   make(map[ModelID][]NodeID),
	}
	for _, cb := range b.children {
		if _, dup := idx.children[cb.ID]; !dup {
			idx.children[cb.ID] = cb
		}
	}
	unique := make([]NodeBuilder, 0, len(b.nodes))
	for _, nb := range b.nodes {
		if _, dup := idx.nodes[nb.ID]; dup {
			continue
		}
		idx.nodes[nb.ID] = nb
		unique = append(unique, nb)
		idx.byScope[nb.Owner] = append(idx.byScope[nb.Owner], nb.ID)
		if a, ok := nb.Kind.(Activity); ok && a.Composite() {
			idx.composite[a.Child] = append(idx.composite[a.Child], nb.ID)
		}
	}
	for child, owners := range idx.composite {
		if _, declared := idx.children[child]; declared && len(owners) == 1 {
			idx.parentOf[child] = idx.nodes[owners[0]].Owner
		}
	}
	idx.adj = effectiveEdges(unique)
	return idx
}

// scopes returns the root scope followed by declared child ids in declaration order.
func (b Builder) scopes() []ModelID {
	out := []ModelID{RootScope}
	seen := map[ModelID]bool{RootScope: true}
	for _, cb := range b.children {
		if !seen[cb.ID] {
			seen[cb.ID] = true
			out = append(out, cb.ID)
		}
	}
	return out
}

// Validate checks the staged graph and collects every violation it finds.
// Violations that normalization can repair (one-sided edges, unreachable
// nodes) are warnings unless opts.Pedantic is set.
func (b Builder) Validate(opts BuildOptions) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	idx := b.index()

	b.validateIdentity(result)
	b.validateChildren(idx, result)
	b.validateEdges(idx, opts, result)

	reached := make(map[NodeID]bool, len(b.nodes))
	for _, scope := range b.scopes() {
		for id := range validateScope(scope, idx, opts, result) {
			reached[id] = true
		}
	}

	// Unreachable nodes are pruned by normalization; their arity is moot.
	arity := arityVisitor{adj: idx.adj, compat: opts.Compat}
	for _, nb := range b.nodes {
		if nb.Kind == nil || (!opts.Pedantic && !reached[nb.ID]) {
			continue
		}
		for _, is := range Visit[issues](nb, arity) {
			result.AddError(is.Path, is.Code, is.Message)
		}
	}
	return result
}

func (b Builder) validateIdentity(result *schema.ValidationResult) {
	seen := make(map[NodeID]bool, len(b.nodes))
	for i, nb := range b.nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		switch {
		case nb.ID == "":
			result.AddError(path, schema.ErrCodeValidation, "node has empty id")
		case !ValidID(string(nb.ID)):
			result.AddErrorf(path, schema.ErrCodeValidation, "node id %q contains invalid characters", nb.ID)
		case seen[nb.ID]:
			result.AddErrorf(path, schema.ErrCodeDuplicateID, "duplicate node id %q", nb.ID)
		}
		seen[nb.ID] = true
		if nb.Kind == nil {
			result.AddErrorf(nodePath(nb.ID), schema.ErrCodeValidation, "node %q has no kind", nb.ID)
		}
	}
}

func (b Builder) validateChildren(idx scopeIndex, result *schema.ValidationResult) {
	seen := make(map[ModelID]bool, len(b.children))
	for _, cb := range b.children {
		path := childPath(cb.ID)
		switch {
		case cb.ID == RootScope:
			result.AddError(path, schema.ErrCodeChildModel, "child model has empty id")
			continue
		case !ValidID(string(cb.ID)):
			result.AddErrorf(path, schema.ErrCodeChildModel, "child model id %q contains invalid characters", cb.ID)
		case seen[cb.ID]:
			result.AddErrorf(path, schema.ErrCodeDuplicateID, "duplicate child model id %q", cb.ID)
			continue
		}
		seen[cb.ID] = true

		switch owners := idx.composite[cb.ID]; len(owners) {
		case 0:
			result.AddErrorf(path, schema.ErrCodeChildModel, "child model %q is not owned by any composite activity", cb.ID)
		case 1:
		default:
			result.AddErrorf(path, schema.ErrCodeChildModel, "child model %q is owned by several composite activities: %v", cb.ID, owners)
		}
		if _, owned := idx.parentOf[cb.ID]; owned && idx.parentOf[cb.ID] == cb.ID {
			result.AddErrorf(path, schema.ErrCodeChildModel, "child model %q contains its own composite activity", cb.ID)
		}

		names := make(map[string]bool, len(cb.Imports))
		for j, imp := range cb.Imports {
			ipath := fmt.Sprintf("%s.imports[%d]", path, j)
			if imp.Name == "" || names[imp.Name] {
				result.AddErrorf(ipath, schema.ErrCodeChildModel, "import name %q is empty or duplicated", imp.Name)
			}
			names[imp.Name] = true
			ref, ok := idx.nodes[imp.RefNode]
			if !ok {
				result.AddErrorf(ipath, schema.ErrCodeDanglingRef, "import %q references unknown node %q", imp.Name, imp.RefNode)
				continue
			}
			if !isAncestor(ref.Owner, cb.ID, idx.parentOf) {
				result.AddErrorf(ipath, schema.ErrCodeScope, "import %q references node %q outside the enclosing scopes", imp.Name, imp.RefNode)
			}
		}
		exports := make(map[string]bool, len(cb.Exports))
		for j, exp := range cb.Exports {
			epath := fmt.Sprintf("%s.exports[%d]", path, j)
			if exp.Name == "" || exports[exp.Name] {
				result.AddErrorf(epath, schema.ErrCodeChildModel, "export name %q is empty or duplicated", exp.Name)
			}
			exports[exp.Name] = true
			if exp.From == "" {
				continue
			}
			if from, ok := idx.nodes[exp.From]; !ok {
				result.AddErrorf(epath, schema.ErrCodeDanglingRef, "export %q references unknown node %q", exp.Name, exp.From)
			} else if from.Owner != cb.ID {
				result.AddErrorf(epath, schema.ErrCodeScope, "export %q references node %q outside the child model", exp.Name, exp.From)
			}
		}
	}

	for child := range idx.composite {
		if !seen[child] {
			for _, owner := range idx.composite[child] {
				result.AddErrorf(nodePath(owner), schema.ErrCodeChildModel, "composite activity references unknown child model %q", child)
			}
		}
	}

	if _, ok := childOrder(idx.parentOf); !ok {
		result.AddError("children", schema.ErrCodeChildModel, "child model ownership contains a cycle")
	}
}

func (b Builder) validateEdges(idx scopeIndex, opts BuildOptions, result *schema.ValidationResult) {
	for _, nb := range b.nodes {
		path := nodePath(nb.ID)
		if nb.Owner != RootScope {
			if _, ok := idx.children[nb.Owner]; !ok {
				result.AddErrorf(path+".owner", schema.ErrCodeScope, "node %q belongs to unknown child model %q", nb.ID, nb.Owner)
			}
		}
		check := func(field string, refs []NodeID) {
			seen := make(map[NodeID]bool, len(refs))
			for j, ref := range refs {
				rpath := fmt.Sprintf("%s.%s[%d]", path, field, j)
				if seen[ref] {
					result.AddErrorf(rpath, schema.ErrCodeValidation, "duplicate reference %q", ref)
					continue
				}
				seen[ref] = true
				target, ok := idx.nodes[ref]
				if !ok {
					result.AddErrorf(rpath, schema.ErrCodeDanglingRef, "references unknown node %q", ref)
					continue
				}
				if target.Owner != nb.Owner {
					result.AddErrorf(rpath, schema.ErrCodeScope,
						"references node %q of scope %q from scope %q", ref, target.Owner, nb.Owner)
				}
			}
		}
		check("predecessors", nb.Predecessors)
		check("successors", nb.Successors)

		if s, ok := nb.Kind.(Split); ok {
			for to := range s.Conditions {
				if !slices.Contains(nb.Successors, to) && !slices.Contains(idx.adj.succs[nb.ID], to) {
					result.AddErrorf(path+".conditions", schema.ErrCodeDanglingRef, "condition for %q which is not a successor", to)
				}
			}
		}
	}

	for _, e := range idx.adj.asymmetric {
		msg := fmt.Sprintf("edge %s -> %s is declared on one endpoint only", e[0], e[1])
		if opts.Pedantic {
			result.AddError(nodePath(e[0]), schema.ErrCodeValidation, msg)
		} else {
			result.AddWarning(nodePath(e[0]), schema.ErrCodeValidation, msg)
		}
	}
}

// validateScope checks start/end placement and reachability of one scope and
// returns the nodes reachable from its start.
func validateScope(scope ModelID, idx scopeIndex, opts BuildOptions, result *schema.ValidationResult) map[NodeID]bool {
	path := "root"
	if scope != RootScope {
		path = childPath(scope)
	}
	ids := idx.byScope[scope]

	var starts, ends []NodeID
	for _, id := range ids {
		switch idx.nodes[id].Kind.(type) {
		case Start:
			starts = append(starts, id)
		case End:
			ends = append(ends, id)
		}
	}
	switch len(starts) {
	case 0:
		result.AddError(path, schema.ErrCodeMissingStart, "scope has no start node")
		return nil
	case 1:
	default:
		result.AddErrorf(path, schema.ErrCodeMissingStart, "scope has %d start nodes, want exactly one: %v", len(starts), starts)
		return nil
	}
	reached := reachableFrom(starts[0], idx.adj.succs)
	if len(ends) == 0 {
		result.AddError(path, schema.ErrCodeMissingEnd, "scope has no end node")
		return reached
	}

	if !slices.ContainsFunc(ends, func(e NodeID) bool { return reached[e] }) {
		result.AddError(path, schema.ErrCodeMissingEnd, "no end node is reachable from the start node")
	}
	for _, id := range ids {
		if reached[id] {
			continue
		}
		msg := fmt.Sprintf("node %q is unreachable from start node %q", id, starts[0])
		if opts.Pedantic {
			result.AddError(nodePath(id), schema.ErrCodeUnreachable, msg)
		} else {
			result.AddWarning(nodePath(id), schema.ErrCodeUnreachable, msg)
		}
	}
	return reached
}

// isAncestor reports whether scope encloses child (or is the child itself).
func isAncestor(scope, child ModelID, parentOf map[ModelID]ModelID) bool {
	cur := child
	for range len(parentOf) + 1 {
		if cur == scope {
			return true
		}
		if cur == RootScope {
			return false
		}
		parent, ok := parentOf[cur]
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

// arityVisitor checks per-kind predecessor/successor counts and bounds.
type arityVisitor struct {
	adj    adjacency
	compat bool
}

type issues = []schema.ValidationIssue

func issue(id NodeID, code, format string, args ...any) schema.ValidationIssue {
	return schema.ValidationIssue{
		Path: nodePath(id), Code: code, Message: fmt.Sprintf(format, args...), Severity: schema.SeverityError,
	}
}

func (v arityVisitor) counts(id NodeID) (int, int) {
	return len(v.adj.preds[id]), len(v.adj.succs[id])
}

func (v arityVisitor) VisitStart(nb NodeBuilder, _ Start) issues {
	var out issues
	in, outN := v.counts(nb.ID)
	if in != 0 {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "start node must have no predecessors, has %d", in))
	}
	if outN != 1 {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "start node must have exactly one successor, has %d", outN))
	}
	return out
}

func (v arityVisitor) VisitEnd(nb NodeBuilder, _ End) issues {
	var out issues
	in, outN := v.counts(nb.ID)
	if in != 1 {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "end node must have exactly one predecessor, has %d", in))
	}
	if outN != 0 {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "end node must have no successors, has %d", outN))
	}
	return out
}

func (v arityVisitor) VisitActivity(nb NodeBuilder, _ Activity) issues {
	var out issues
	in, outN := v.counts(nb.ID)
	if in != 1 {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "activity must have exactly one predecessor, has %d", in))
	}
	if outN > 1 && !v.compat {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "activity may have at most one successor, has %d", outN))
	}
	return out
}

func (v arityVisitor) VisitSplit(nb NodeBuilder, k Split) issues {
	var out issues
	in, outN := v.counts(nb.ID)
	if in != 1 {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "split must have exactly one predecessor, has %d", in))
	}
	if outN == 0 {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "split has no successors"))
	}
	return append(out, checkBounds(nb.ID, k.Bounds, outN, "successor")...)
}

func (v arityVisitor) VisitJoin(nb NodeBuilder, k Join) issues {
	var out issues
	in, outN := v.counts(nb.ID)
	if in == 0 {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "join has no predecessors"))
	}
	if outN != 1 {
		out = append(out, issue(nb.ID, schema.ErrCodeArity, "join must have exactly one successor, has %d", outN))
	}
	return append(out, checkBounds(nb.ID, k.Bounds, in, "predecessor")...)
}

func checkBounds(id NodeID, b Bounds, slots int, what string) issues {
	var out issues
	if b.Min > b.Max {
		out = append(out, issue(id, schema.ErrCodeBounds, "min %d exceeds max %d", b.Min, b.Max))
	}
	if b.Max > slots {
		out = append(out, issue(id, schema.ErrCodeBounds, "max %d exceeds the %d declared %s slots", b.Max, slots, what))
	}
	if b.Max < 1 {
		out = append(out, issue(id, schema.ErrCodeBounds, "max must be at least 1, is %d", b.Max))
	}
	if b.Min < 0 || (b.Min == 0 && !b.Optional) {
		out = append(out, issue(id, schema.ErrCodeBounds, "min must be at least 1 unless the node is optional, is %d", b.Min))
	}
	return out
}

func nodePath(id NodeID) string   { return fmt.Sprintf("nodes[%s]", id) }
func childPath(id ModelID) string { return fmt.Sprintf("children[%s]", id) }
