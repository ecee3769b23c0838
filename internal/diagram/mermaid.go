package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	writeMermaidNodes(&b, model.Nodes, "    ")
	writeMermaidEdges(&b, model.Edges, "    ")

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef active fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef cancelled fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	// Apply status classes.
	model.walk(func(node *Node) {
		if node.Status == nil {
			return
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	})

	return b.String()
}

// writeMermaidNodes declares nodes and, for composites, their child model
// as a nested subgraph.
func writeMermaidNodes(b *strings.Builder, nodes []*Node, indent string) {
	for _, node := range nodes {
		fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(node))
		for _, sg := range node.Children {
			fmt.Fprintf(b, "%ssubgraph %s[\"%s: %s\"]\n",
				indent, mermaidSafeID(node.ID+"_"+sg.Label), node.ID, sg.Label)
			writeMermaidNodes(b, sg.Nodes, indent+"    ")
			writeMermaidEdges(b, sg.Edges, indent+"    ")
			fmt.Fprintf(b, "%send\n", indent)
		}
	}
}

func writeMermaidEdges(b *strings.Builder, edges []Edge, indent string) {
	for _, edge := range edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%q|", edge.Label)
		}
		fmt.Fprintf(b, "%s%s -->%s %s\n", indent, mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindSplit:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindJoin:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindComposite:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindEnd:
		return fmt.Sprintf("%s(((%q)))", id, label)
	default: // activity
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", ":", "_", " ", "_")

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

// mermaidStatusClass maps a node state to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "active", "cancelled", "pending", "skipped":
		return status
	default:
		return ""
	}
}
