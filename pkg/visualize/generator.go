package visualize

import (
	"fmt"

	"github.com/emicklei/dot"
)

// Generator renders a graph in a textual diagram format.
type Generator interface {
	Generate(g *Graph) string
}

// NewGenerator returns the generator of a format: "dot" or "mermaid".
func NewGenerator(format string) (Generator, error) {
	switch format {
	case "dot":
		return &DotGenerator{}, nil
	case "mermaid":
		return &MermaidGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown graph format %q (expected dot or mermaid)", format)
	}
}

// DotGenerator generates Graphviz DOT diagrams.
type DotGenerator struct{}

// Generate creates a Graphviz DOT diagram.
func (d *DotGenerator) Generate(g *Graph) string {
	return BuildDotGraph(g).String()
}

// MermaidGenerator generates Mermaid flowchart diagrams.
type MermaidGenerator struct{}

// Generate creates a left-to-right Mermaid flowchart wrapped in a markdown code block.
func (m *MermaidGenerator) Generate(g *Graph) string {
	mermaid := dot.MermaidFlowchart(BuildDotGraph(g), dot.MermaidLeftToRight)
	return fmt.Sprintf("```mermaid\n%s\n```\n", mermaid)
}
