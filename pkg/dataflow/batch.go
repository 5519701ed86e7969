package dataflow

import (
	"cmp"
	"fmt"
	"slices"
)

// Tuple is an ordered pair of opaque identifiers, e.g., an edge of a relation.
type Tuple struct {
	A, B uint64
}

// Swap returns the tuple with its components exchanged.
func (t Tuple) Swap() Tuple { return Tuple{A: t.B, B: t.A} }

// Compare orders tuples lexicographically.
func (t Tuple) Compare(o Tuple) int {
	if c := cmp.Compare(t.A, o.A); c != 0 {
		return c
	}
	return cmp.Compare(t.B, o.B)
}

// String implements fmt.Stringer.
func (t Tuple) String() string { return fmt.Sprintf("(%d, %d)", t.A, t.B) }

// Delta is a signed change to the multiplicity of a tuple at a logical time.
type Delta struct {
	Tuple Tuple
	Time  Time
	Diff  int
}

// String formats the delta as a (data, time, diff) triple.
func (d Delta) String() string {
	return fmt.Sprintf("(%s, %s, %d)", d.Tuple, d.Time, d.Diff)
}

func compareDelta(a, b Delta) int {
	if c := a.Time.Compare(b.Time); c != 0 {
		return c
	}
	return a.Tuple.Compare(b.Tuple)
}

// Consolidate returns the deltas sorted by time and tuple, with the diffs of identical
// (tuple, time) pairs summed up and zero diffs dropped. The input is not modified.
func Consolidate(deltas []Delta) []Delta {
	if len(deltas) == 0 {
		return nil
	}

	out := slices.Clone(deltas)
	slices.SortFunc(out, compareDelta)

	n := 0
	for _, d := range out {
		if n > 0 && out[n-1].Time == d.Time && out[n-1].Tuple == d.Tuple {
			out[n-1].Diff += d.Diff
			continue
		}
		out[n] = d
		n++
	}

	res := out[:0]
	for _, d := range out[:n] {
		if d.Diff != 0 {
			res = append(res, d)
		}
	}
	if len(res) == 0 {
		return nil
	}
	return res
}

// Negate returns a copy of the deltas with the sign of each diff flipped.
func Negate(deltas []Delta) []Delta {
	if len(deltas) == 0 {
		return nil
	}
	out := make([]Delta, len(deltas))
	for i, d := range deltas {
		out[i] = Delta{Tuple: d.Tuple, Time: d.Time, Diff: -d.Diff}
	}
	return out
}

// retime returns a copy of the deltas moved to the given time.
func retime(deltas []Delta, t Time) []Delta {
	if len(deltas) == 0 {
		return nil
	}
	out := make([]Delta, len(deltas))
	for i, d := range deltas {
		out[i] = Delta{Tuple: d.Tuple, Time: t, Diff: d.Diff}
	}
	return out
}
