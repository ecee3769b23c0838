package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the output of RenderImage.
type ImageFormat string

const (
	ImagePNG ImageFormat = "png"
	ImageSVG ImageFormat = "svg"
)

// RenderImage renders a DiagramModel with graphviz's dot layout. Child
// models become dashed clusters.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case ImagePNG, "":
		gvFormat = graphviz.PNG
	case ImageSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node)
	if err := addGraphvizNodes(graph, model.Nodes, gvNodes); err != nil {
		return nil, err
	}
	addGraphvizEdges(graph, model.Edges, gvNodes)

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// addGraphvizNodes creates nodes in g and a cluster per child model.
func addGraphvizNodes(g *cgraph.Graph, nodes []*Node, gvNodes map[string]*cgraph.Node) error {
	for _, node := range nodes {
		gvNode, err := g.CreateNodeByName(node.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode

		for _, sg := range node.Children {
			sub, err := g.CreateSubGraphByName("cluster_" + node.ID + "_" + sg.Label)
			if err != nil {
				return fmt.Errorf("diagram: create cluster %s: %w", sg.Label, err)
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)
			if err := addGraphvizNodes(sub, sg.Nodes, gvNodes); err != nil {
				return err
			}
			addGraphvizEdges(g, sg.Edges, gvNodes)
		}
	}
	return nil
}

func addGraphvizEdges(g *cgraph.Graph, edges []Edge, gvNodes map[string]*cgraph.Node) {
	for _, edge := range edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, err := g.CreateEdgeByName("", fromGV, toGV)
		if err == nil && edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindActivity:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindComposite:
		gvNode.SetShape(cgraph.Box3DShape)
	case NodeKindSplit:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindJoin:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindStart:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	case NodeKindEnd:
		gvNode.SetShape(cgraph.DoubleCircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

// applyStatusColor sets fill color and style based on the node state.
func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "active":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "cancelled":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "pending":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
