package model

import (
	"fmt"
	"slices"

	"github.com/rendis/procgraph/pkg/schema"
)

// Normalize repairs the inconsistencies a lenient build tolerates: edges
// declared on one endpoint only are mirrored, nodes unreachable from their
// scope's start are pruned together with every edge and split condition that
// mentions them, and child models whose composite was pruned are dropped.
//
// With pedantic set nothing is repaired: the receiver is returned unchanged and
// every repair that would have been made is reported as an error.
func (b Builder) Normalize(pedantic bool) (Builder, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	report := func(path, code, msg string) {
		if pedantic {
			result.AddError(path, code, msg)
		} else {
			result.AddWarning(path, code, msg)
		}
	}

	idx := b.index()
	for _, e := range idx.adj.asymmetric {
		report(nodePath(e[0]), schema.ErrCodeValidation,
			fmt.Sprintf("mirrored one-sided edge %s -> %s", e[0], e[1]))
	}

	out := b.clone()
	for i := range out.nodes {
		nb := &out.nodes[i]
		if _, ok := idx.nodes[nb.ID]; !ok {
			continue
		}
		nb.Predecessors = mergeEdges(nb.Predecessors, idx.adj.preds[nb.ID])
		nb.Successors = mergeEdges(nb.Successors, idx.adj.succs[nb.ID])
	}

	// Pruning a composite drops its child model, which in turn drops the
	// child's nodes; repeat until nothing changes.
	for {
		idx = out.index()
		drop := make(map[NodeID]bool)
		for _, scope := range out.scopes() {
			if scope != RootScope {
				if _, owned := idx.parentOf[scope]; !owned {
					continue
				}
			}
			start, ok := soleStart(idx, scope)
			if !ok {
				continue
			}
			reached := reachableFrom(start, idx.adj.succs)
			for _, id := range idx.byScope[scope] {
				if !reached[id] {
					drop[id] = true
				}
			}
		}
		orphans := make(map[ModelID]bool)
		for _, cb := range out.children {
			owners := idx.composite[cb.ID]
			if len(owners) == 0 || (len(owners) == 1 && drop[owners[0]]) {
				orphans[cb.ID] = true
			}
		}
		for _, nb := range out.nodes {
			if orphans[nb.Owner] {
				drop[nb.ID] = true
			}
		}
		if len(drop) == 0 && len(orphans) == 0 {
			break
		}

		for _, nb := range out.nodes {
			if drop[nb.ID] {
				report(nodePath(nb.ID), schema.ErrCodeUnreachable, fmt.Sprintf("pruned unreachable node %q", nb.ID))
			}
		}
		for _, cb := range out.children {
			if orphans[cb.ID] {
				report(childPath(cb.ID), schema.ErrCodeChildModel, fmt.Sprintf("dropped child model %q without a composite", cb.ID))
			}
		}
		if pedantic {
			return b, result
		}
		for id := range drop {
			out = out.RemoveNode(id)
		}
		out.children = slices.DeleteFunc(out.children, func(cb ChildBuilder) bool { return orphans[cb.ID] })
	}

	if pedantic {
		return b, result
	}
	return out, result
}

// soleStart returns the start node of scope if there is exactly one.
func soleStart(idx scopeIndex, scope ModelID) (NodeID, bool) {
	var start NodeID
	n := 0
	for _, id := range idx.byScope[scope] {
		if _, ok := idx.nodes[id].Kind.(Start); ok {
			start = id
			n++
		}
	}
	return start, n == 1
}

// mergeEdges appends the mirrored edges missing from declared, keeping
// declaration order first.
func mergeEdges(declared, effective []NodeID) []NodeID {
	out := slices.Clone(declared)
	for _, id := range effective {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
