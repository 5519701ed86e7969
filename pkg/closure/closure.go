// Package closure maintains the transitive closure of a directed relation, e.g., a filesystem
// "contains" relation, and reports the closure facts that close a cycle.
package closure

import (
	"fmt"
	"strings"

	"github.com/l7mp/dflow/pkg/dataflow"
)

// Variant selects how the closure grows in each round of the fixpoint.
type Variant int

const (
	// Linear extends known paths by one direct edge per round: T = distinct(T * E + E).
	Linear Variant = iota
	// Squaring joins known paths with themselves: T = distinct(T * T + T).
	Squaring
)

// ParseVariant parses a closure variant name.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "linear":
		return Linear, nil
	case "squaring":
		return Squaring, nil
	default:
		return Linear, fmt.Errorf("unknown closure variant %q (expected linear or squaring)", s)
	}
}

func (v Variant) String() string {
	switch v {
	case Linear:
		return "linear"
	case Squaring:
		return "squaring"
	default:
		return "<unknown>"
	}
}

// Options configure the closure program.
type Options struct {
	// Name is the name of the input relation. Default is "contents".
	Name string
	// Variant is the fixpoint formulation. Default is Linear.
	Variant Variant
}

// Program is the closure dataflow. Contents feeds the base relation, Closure is its transitive
// closure and Cycles carries the direct edges (b, a) for which (a, b) is in the closure.
type Program struct {
	Contents *dataflow.Session
	Edges    *dataflow.Stream
	Closure  *dataflow.Stream
	Cycles   *dataflow.Stream
}

// Build adds the closure program to a dataflow.
func Build(df *dataflow.Dataflow, opts Options) *Program {
	if opts.Name == "" {
		opts.Name = "contents"
	}

	edges, session := df.NewInput(opts.Name)

	var closure *dataflow.Stream
	switch opts.Variant {
	case Squaring:
		closure = edges.Iterate("closure", func(_ *dataflow.Loop, t *dataflow.Stream) *dataflow.Stream {
			return t.Join("square", t, dataflow.BySecond, dataflow.ByFirst, extend).
				Concat("union", t).
				Distinct("distinct")
		})
	default:
		closure = edges.Iterate("closure", func(l *dataflow.Loop, t *dataflow.Stream) *dataflow.Stream {
			e := l.Enter(edges)
			return t.Join("extend", e, dataflow.BySecond, dataflow.ByFirst, extend).
				Concat("union", e).
				Distinct("distinct")
		})
	}

	cycles := closure.Join("cycles", edges, dataflow.Tuple.Swap, dataflow.ByPair,
		func(_, _, edge dataflow.Tuple) dataflow.Tuple { return edge })

	return &Program{
		Contents: session,
		Edges:    edges,
		Closure:  closure,
		Cycles:   cycles,
	}
}

// extend concatenates the path (a, b) with the path (b, c).
func extend(_, l, r dataflow.Tuple) dataflow.Tuple {
	return dataflow.Tuple{A: l.A, B: r.B}
}
