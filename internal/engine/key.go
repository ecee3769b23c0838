package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// NodeInstanceKey identifies one activation of a node within a process instance.
type NodeInstanceKey struct {
	Node  model.NodeID `json:"node"`
	Index int          `json:"index"`
}

// Key is shorthand for NodeInstanceKey{Node: node, Index: index}.
func Key(node model.NodeID, index int) NodeInstanceKey {
	return NodeInstanceKey{Node: node, Index: index}
}

func (k NodeInstanceKey) String() string {
	return fmt.Sprintf("%s#%d", k.Node, k.Index)
}

// IsZero reports whether k is the zero key, which names the root scope.
func (k NodeInstanceKey) IsZero() bool { return k.Node == "" }

// ParseKey parses "node#index". A missing index yields Index 0.
func ParseKey(s string) (NodeInstanceKey, error) {
	node, idx, found := strings.Cut(s, "#")
	if !model.ValidID(node) {
		return NodeInstanceKey{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid node instance key %q", s)
	}
	if !found {
		return NodeInstanceKey{Node: model.NodeID(node)}, nil
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 {
		return NodeInstanceKey{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid instance index in %q", s)
	}
	return NodeInstanceKey{Node: model.NodeID(node), Index: n}, nil
}

// Tag is the provenance of a token: a "/"-separated stack of the split
// firings and composite activations it descends from. Tokens carrying equal
// tags belong to the same wave at a join.
type Tag string

const (
	tagSplit     = "s:"
	tagComposite = "c:"
)

func (t Tag) push(prefix string, node model.NodeID, n int) Tag {
	elem := fmt.Sprintf("%s%s#%d", prefix, node, n)
	if t == "" {
		return Tag(elem)
	}
	return t + "/" + Tag(elem)
}

// PushSplit appends the k-th firing of split.
func (t Tag) PushSplit(split model.NodeID, k int) Tag { return t.push(tagSplit, split, k) }

// PushComposite appends the i-th activation of a composite activity.
func (t Tag) PushComposite(node model.NodeID, i int) Tag { return t.push(tagComposite, node, i) }

// PopSplit removes a trailing split element, if any.
func (t Tag) PopSplit() Tag {
	i := strings.LastIndexByte(string(t), '/')
	last := string(t[i+1:])
	if !strings.HasPrefix(last, tagSplit) {
		return t
	}
	if i < 0 {
		return ""
	}
	return t[:i]
}

// Depth returns the number of elements.
func (t Tag) Depth() int {
	if t == "" {
		return 0
	}
	return strings.Count(string(t), "/") + 1
}
