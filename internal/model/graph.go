package model

import (
	"slices"
	"sort"
)

// adjacency is the edge set of a builder graph after mirroring: an edge
// declared on either endpoint appears on both.
type adjacency struct {
	preds map[NodeID][]NodeID
	succs map[NodeID][]NodeID
	// asymmetric lists edges declared on only one endpoint.
	asymmetric [][2]NodeID
}

// effectiveEdges merges declared predecessors and successors. Declared order
// is kept; mirrored additions are appended in node declaration order.
// Endpoints that do not resolve are ignored here.
func effectiveEdges(nodes []NodeBuilder) adjacency {
	known := make(map[NodeID]bool, len(nodes))
	for _, nb := range nodes {
		known[nb.ID] = true
	}
	adj := adjacency{
		preds: make(map[NodeID][]NodeID, len(nodes)),
		succs: make(map[NodeID][]NodeID, len(nodes)),
	}
	for _, nb := range nodes {
		for _, p := range nb.Predecessors {
			if known[p] && !slices.Contains(adj.preds[nb.ID], p) {
				adj.preds[nb.ID] = append(adj.preds[nb.ID], p)
			}
		}
		for _, s := range nb.Successors {
			if known[s] && !slices.Contains(adj.succs[nb.ID], s) {
				adj.succs[nb.ID] = append(adj.succs[nb.ID], s)
			}
		}
	}
	// Second pass: mirror one-sided edges.
	for _, nb := range nodes {
		for _, s := range nb.Successors {
			if known[s] && !slices.Contains(adj.preds[s], nb.ID) {
				adj.preds[s] = append(adj.preds[s], nb.ID)
				adj.asymmetric = append(adj.asymmetric, [2]NodeID{nb.ID, s})
			}
		}
		for _, p := range nb.Predecessors {
			if known[p] && !slices.Contains(adj.succs[p], nb.ID) {
				adj.succs[p] = append(adj.succs[p], nb.ID)
				adj.asymmetric = append(adj.asymmetric, [2]NodeID{p, nb.ID})
			}
		}
	}
	return adj
}

// reachableFrom returns the set of nodes reachable from start by BFS over succs.
func reachableFrom(start NodeID, succs map[NodeID][]NodeID) map[NodeID]bool {
	reached := map[NodeID]bool{start: true}
	queue := []NodeID{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, s := range succs[node] {
			if !reached[s] {
				reached[s] = true
				queue = append(queue, s)
			}
		}
	}
	return reached
}

// childOrder sorts child scopes bottom-up with Kahn's algorithm over the
// ownership tree: a scope is emitted only after every scope nested inside it.
// The root scope is not part of the result. ok is false when the ownership
// relation contains a cycle.
func childOrder(parentOf map[ModelID]ModelID) (order []ModelID, ok bool) {
	pending := make(map[ModelID]int, len(parentOf)+1)
	for child, parent := range parentOf {
		if _, seen := pending[child]; !seen {
			pending[child] = 0
		}
		pending[parent]++
	}

	queue := make([]ModelID, 0, len(parentOf))
	for id, n := range pending {
		if n == 0 && id != RootScope {
			queue = append(queue, id)
		}
	}
	sortModelIDs(queue)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		parent, has := parentOf[id]
		if !has || parent == RootScope {
			continue
		}
		pending[parent]--
		if pending[parent] == 0 {
			queue = append(queue, parent)
		}
	}
	return order, len(order) == len(parentOf)
}

func sortModelIDs(s []ModelID) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
