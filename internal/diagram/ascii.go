package diagram

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

var statusTags = map[string]string{
	"completed": "[OK]",
	"failed":    "[FAIL]",
	"active":    "[RUN]",
	"cancelled": "[CANCEL]",
	"skipped":   "[SKIP]",
	"pending":   "[PEND]",
}

// RenderASCII renders a DiagramModel as boxes, one row per level of the root
// scope. Between rows it lists the edges leaving the upper row. Child models
// of composite nodes follow as indented listings.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	for i, level := range model.Levels {
		boxes := make([]asciiBox, 0, len(level))
		for _, id := range level {
			if n := byID[id]; n != nil {
				boxes = append(boxes, makeBox(n))
			}
		}
		writeBoxRow(&b, boxes)
		if i < len(model.Levels)-1 {
			writeConnector(&b, outgoing(model.Edges, level))
		}
	}

	for _, n := range model.Nodes {
		for _, sg := range n.Children {
			fmt.Fprintf(&b, "\n--- %s child model ---\n", n.ID)
			writeSubGraph(&b, sg, "  ")
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := strings.Split(node.Label, "\n")
	if st := node.Status; st != nil {
		if tag := statusTags[st.Status]; tag != "" {
			content = append(content, tag)
		}
		switch {
		case st.Instances > 1 && st.Active > 0:
			content = append(content, fmt.Sprintf("x%d (%d active)", st.Instances, st.Active))
		case st.Instances > 1:
			content = append(content, fmt.Sprintf("x%d", st.Instances))
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, utf8.RuneCountInString(line))
	}
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, line := range content {
		lines = append(lines, "│ "+pad(line, inner)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return asciiBox{lines: lines, width: inner + 4}
}

func pad(s string, width int) string {
	return s + strings.Repeat(" ", width-utf8.RuneCountInString(s))
}

func writeBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := range height {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// outgoing returns the edges whose source is in level, in edge order.
func outgoing(edges []Edge, level []string) []Edge {
	var out []Edge
	for _, e := range edges {
		if slices.Contains(level, e.From) {
			out = append(out, e)
		}
	}
	return out
}

func writeConnector(b *strings.Builder, edges []Edge) {
	b.WriteString("       │\n")
	for _, e := range edges {
		if e.Label != "" {
			fmt.Fprintf(b, "       │ %s ─→ %s  if %s\n", e.From, e.To, e.Label)
		} else {
			fmt.Fprintf(b, "       │ %s ─→ %s\n", e.From, e.To)
		}
	}
	b.WriteString("       ▼\n")
}

func writeSubGraph(b *strings.Builder, sg *SubGraph, indent string) {
	fmt.Fprintf(b, "%s[%s]\n", indent, sg.Label)
	for _, n := range sg.Nodes {
		tag := ""
		if n.Status != nil {
			tag = " " + statusTags[n.Status.Status]
		}
		fmt.Fprintf(b, "%s  %s%s\n", indent, firstLine(n.Label), tag)
	}
	for _, e := range sg.Edges {
		fmt.Fprintf(b, "%s  %s ─→ %s\n", indent, e.From, e.To)
	}
	for _, n := range sg.Nodes {
		for _, child := range n.Children {
			writeSubGraph(b, child, indent+"  ")
		}
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
