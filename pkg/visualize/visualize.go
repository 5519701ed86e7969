// Package visualize renders dataflow graphs as diagrams.
package visualize

import (
	"fmt"

	"github.com/emicklei/dot"

	"github.com/l7mp/dflow/pkg/dataflow"
)

// Graph is the visualization graph of a dataflow.
type Graph struct {
	Name  string
	Nodes []dataflow.NodeInfo
}

// BuildGraph constructs a visualization graph from a dataflow.
func BuildGraph(df *dataflow.Dataflow) *Graph {
	return &Graph{Name: df.Name(), Nodes: df.Describe()}
}

func nodeID(id int) string { return fmt.Sprintf("n%d", id) }

// NodeLabel returns the display label of an operator.
func NodeLabel(n dataflow.NodeInfo) string {
	return fmt.Sprintf("%s: %s", n.Kind, n.Name)
}

// style sets the shape and colors of an operator node by kind.
func style(node dot.Node, kind dataflow.Kind) dot.Node {
	switch kind {
	case dataflow.KindInput:
		return node.Attr("shape", "ellipse").Attr("style", "filled").Attr("fillcolor", "lightgreen")
	case dataflow.KindInspect:
		return node.Attr("shape", "box").Attr("style", "filled,rounded").Attr("fillcolor", "lightcyan")
	case dataflow.KindVariable, dataflow.KindEnter:
		return node.Attr("shape", "diamond").Attr("style", "filled").Attr("fillcolor", "lightyellow")
	case dataflow.KindIterate:
		return node.Attr("shape", "box").Attr("style", "filled,rounded").Attr("fillcolor", "orange")
	default:
		return node.Attr("shape", "box").
			Attr("style", "filled,rounded").
			Attr("fillcolor", "lightblue").
			Attr("color", "darkblue")
	}
}

func edge(g *dot.Graph, from, to dot.Node, label string) dot.Edge {
	e := g.Edge(from, to).Attr("fontname", "helvetica").Attr("fontsize", "10")
	if label != "" {
		e = e.Attr("label", label)
	}
	return e
}

// BuildDotGraph creates a dot.Graph from the visualization graph. Loops are drawn as clusters
// that contain the loop body, the leave operator and the feedback edge.
// This unified graph can then be rendered in different formats (DOT, Mermaid, etc.).
func BuildDotGraph(g *Graph) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")    // Left to right layout.
	graph.Attr("compound", "true") // Allow edges between clusters.
	graph.Attr("newrank", "true")  // Better ranking algorithm.
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t") // Label at top.
	graph.Attr("fontsize", "16")

	nodes := make(map[int]dot.Node)
	add := func(sub *dot.Graph, n dataflow.NodeInfo) dot.Node {
		node := style(sub.Node(nodeID(n.ID)).Attr("label", NodeLabel(n)).Attr("fontname", "helvetica"), n.Kind)
		nodes[n.ID] = node
		return node
	}

	for _, n := range g.Nodes {
		if n.Kind != dataflow.KindIterate {
			node := add(graph, n)
			for i, in := range n.Inputs {
				label := ""
				if len(n.Inputs) > 1 {
					label = fmt.Sprintf("port %d", i)
				}
				edge(graph, nodes[in], node, label)
			}
			continue
		}

		loop := graph.Subgraph(n.Name, dot.ClusterOption{})
		loop.Attr("label", fmt.Sprintf("iterate: %s", n.Name))
		loop.Attr("style", "dashed")

		enters := n.Inputs[1:]
		for _, b := range n.Body {
			node := add(loop, b)
			switch b.Kind {
			case dataflow.KindVariable:
				edge(graph, nodes[n.Inputs[0]], node, "round 0")
			case dataflow.KindEnter:
				if len(enters) > 0 {
					edge(graph, nodes[enters[0]], node, "enter")
					enters = enters[1:]
				}
			}
			for _, in := range b.Inputs {
				edge(graph, nodes[in], node, "")
			}
		}

		// The loop operator itself is the exit of the loop.
		leave := loop.Node(nodeID(n.ID)).Attr("label", "leave").Attr("fontname", "helvetica")
		nodes[n.ID] = style(leave, dataflow.KindIterate)
		if result, ok := nodes[n.Result]; ok && n.Result >= 0 {
			edge(graph, result, nodes[n.ID], "")
			if len(n.Body) > 0 {
				edge(graph, result, nodes[n.Body[0].ID], "feedback").
					Attr("style", "dashed").
					Attr("color", "blue")
			}
		}
	}

	return graph
}
