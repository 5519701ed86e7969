package dataflow

// mapDeltas applies fn to the tuple of each delta. Time and diff are preserved.
func mapDeltas(fn MapFunc, in []Delta) []Delta {
	if len(in) == 0 {
		return nil
	}
	out := make([]Delta, 0, len(in))
	for _, d := range in {
		out = append(out, Delta{Tuple: fn(d.Tuple), Time: d.Time, Diff: d.Diff})
	}
	return Consolidate(out)
}

func filterDeltas(fn FilterFunc, in []Delta) []Delta {
	var out []Delta
	for _, d := range in {
		if fn(d.Tuple) {
			out = append(out, d)
		}
	}
	return out
}

// concatDeltas merges the batches of all ports. Multiplicities of the same tuple add up.
func concatDeltas(in ...[]Delta) []Delta {
	size := 0
	for _, b := range in {
		size += len(b)
	}
	if size == 0 {
		return nil
	}
	out := make([]Delta, 0, size)
	for _, b := range in {
		out = append(out, b...)
	}
	return Consolidate(out)
}
