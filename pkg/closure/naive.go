package closure

import (
	"fmt"
	"slices"

	"github.com/l7mp/dflow/pkg/dataflow"
)

// Naive computes the transitive closure of a relation from scratch. Tuples with a non-positive
// multiplicity are ignored. Every tuple of the result has multiplicity one.
func Naive(edges map[dataflow.Tuple]int) map[dataflow.Tuple]int {
	succ := map[uint64][]uint64{}
	for e, count := range edges {
		if count > 0 {
			succ[e.A] = append(succ[e.A], e.B)
		}
	}

	ret := map[dataflow.Tuple]int{}
	for from := range succ {
		stack := append([]uint64(nil), succ[from]...)
		for len(stack) > 0 {
			to := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			t := dataflow.Tuple{A: from, B: to}
			if _, ok := ret[t]; ok {
				continue
			}
			ret[t] = 1
			stack = append(stack, succ[to]...)
		}
	}
	return ret
}

// NaiveCycles returns the cycle witnesses of a relation: each direct edge (b, a) for which (a, b)
// is in the closure, with the multiplicity of the edge.
func NaiveCycles(edges map[dataflow.Tuple]int) map[dataflow.Tuple]int {
	closure := Naive(edges)
	ret := map[dataflow.Tuple]int{}
	for e, count := range edges {
		if count <= 0 {
			continue
		}
		if _, ok := closure[e.Swap()]; ok {
			ret[e] = count
		}
	}
	return ret
}

// Verify checks a closure and its cycle witnesses against the ones computed naively from the
// contents relation.
func Verify(contents, closure, cycles map[dataflow.Tuple]int) error {
	if err := diff("closure", Naive(contents), closure); err != nil {
		return err
	}
	return diff("cycles", NaiveCycles(contents), cycles)
}

func diff(name string, expected, actual map[dataflow.Tuple]int) error {
	var missing, extra []dataflow.Tuple
	for t, c := range expected {
		if actual[t] != c {
			missing = append(missing, t)
		}
	}
	for t, c := range actual {
		if c != 0 && expected[t] != c {
			extra = append(extra, t)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	slices.SortFunc(missing, dataflow.Tuple.Compare)
	slices.SortFunc(extra, dataflow.Tuple.Compare)
	return fmt.Errorf("%s mismatch: missing or wrong count %v, unexpected %v", name, missing, extra)
}
