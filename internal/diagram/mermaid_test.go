package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaidRouting(t *testing.T) {
	dm, err := Build(routingModel(t), nil)
	require.NoError(t, err)

	output := RenderMermaid(dm)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% Claim Routing")

	// Shapes by kind.
	assert.Contains(t, output, `s(("s"))`)
	assert.Contains(t, output, `sp{"sp"}`)
	assert.Contains(t, output, `fast["Fast track"]`)
	assert.Contains(t, output, `j{{"j"}}`)
	assert.Contains(t, output, `e((("e")))`)

	// Branch conditions label the split's edges.
	assert.Contains(t, output, `sp -->|"data.fast"| fast`)
	assert.Contains(t, output, `sp -->|"!data.fast"| slow`)
	assert.Contains(t, output, "fast --> j")

	assert.Contains(t, output, "classDef completed")
	assert.Contains(t, output, "classDef active")
	assert.NotContains(t, output, "class s ")
}

func TestRenderMermaidComposite(t *testing.T) {
	dm, err := Build(compositeModel(t), nil)
	require.NoError(t, err)

	output := RenderMermaid(dm)
	assert.Contains(t, output, `c[["c"]]`)
	assert.Contains(t, output, `subgraph c_sub["c: sub"]`)
	assert.Contains(t, output, "        ca --> ce")
	assert.Contains(t, output, "    end\n")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	dm := &DiagramModel{
		Nodes: []*Node{
			{ID: "a", Label: "a", Kind: NodeKindActivity, Status: &StatusOverlay{Status: "completed"}},
			{ID: "b", Label: "b", Kind: NodeKindActivity, Status: &StatusOverlay{Status: "active"}},
			{ID: "c", Label: "c", Kind: NodeKindActivity, Status: &StatusOverlay{Status: "unknown"}},
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}

	output := RenderMermaid(dm)
	assert.Contains(t, output, "class a completed")
	assert.Contains(t, output, "class b active")
	assert.NotContains(t, output, "class c")
}

func TestMermaidSafeID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", "simple"},
		{"with-dash", "with_dash"},
		{"with.dot", "with_dot"},
		{"ns:task", "ns_task"},
		{"a-b.c d", "a_b_c_d"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, mermaidSafeID(tt.input))
		})
	}
}
