package dataflow

import (
	"slices"
)

// timeDiff is one entry in the history of a tuple.
type timeDiff struct {
	Time Time
	Diff int
}

// Collection is a timestamped multiset: for each tuple it keeps the history of the diffs applied
// to it, so that the multiplicity of the tuple can be queried at any time. Negative counts are
// legal in the delta algebra and never cause an error; use Negative to detect them.
type Collection struct {
	updates map[Tuple][]timeDiff
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{updates: make(map[Tuple][]timeDiff)}
}

// Apply records a delta.
func (c *Collection) Apply(d Delta) {
	if d.Diff == 0 {
		return
	}

	hist := c.updates[d.Tuple]
	for i := range hist {
		if hist[i].Time == d.Time {
			hist[i].Diff += d.Diff
			if hist[i].Diff == 0 {
				hist = slices.Delete(hist, i, i+1)
			}
			c.set(d.Tuple, hist)
			return
		}
	}

	c.updates[d.Tuple] = append(hist, timeDiff{Time: d.Time, Diff: d.Diff})
}

// ApplyBatch records a batch of deltas.
func (c *Collection) ApplyBatch(deltas []Delta) {
	for _, d := range deltas {
		c.Apply(d)
	}
}

// Count returns the multiplicity of a tuple at a time: the sum of the diffs recorded at times that
// are less than or equal to the given time.
func (c *Collection) Count(t Tuple, at Time) int {
	count := 0
	for _, h := range c.updates[t] {
		if h.Time.LessEqual(at) {
			count += h.Diff
		}
	}
	return count
}

// At returns the tuples with a non-zero multiplicity at the given time.
func (c *Collection) At(at Time) map[Tuple]int {
	ret := make(map[Tuple]int)
	for t := range c.updates {
		if count := c.Count(t, at); count != 0 {
			ret[t] = count
		}
	}
	return ret
}

// Negative returns the tuples whose multiplicity at the given time is negative, in tuple order.
func (c *Collection) Negative(at Time) []Tuple {
	var ret []Tuple
	for t := range c.updates {
		if c.Count(t, at) < 0 {
			ret = append(ret, t)
		}
	}
	slices.SortFunc(ret, Tuple.Compare)
	return ret
}

// Compact advances all times with an epoch older than the given one to that epoch and merges the
// entries that become identical. Counts queried at times in or after the epoch do not change.
func (c *Collection) Compact(epoch uint64) {
	for t, hist := range c.updates {
		changed := false
		for i := range hist {
			if hist[i].Time.Epoch < epoch {
				hist[i].Time.Epoch = epoch
				changed = true
			}
		}
		if !changed {
			continue
		}

		slices.SortFunc(hist, func(a, b timeDiff) int { return a.Time.Compare(b.Time) })
		n := 0
		for _, h := range hist {
			if n > 0 && hist[n-1].Time == h.Time {
				hist[n-1].Diff += h.Diff
				continue
			}
			hist[n] = h
			n++
		}
		merged := hist[:0]
		for _, h := range hist[:n] {
			if h.Diff != 0 {
				merged = append(merged, h)
			}
		}
		c.set(t, merged)
	}
}

// Len returns the number of tuples with a recorded history.
func (c *Collection) Len() int { return len(c.updates) }

// IsZero returns true if the collection holds no history at all.
func (c *Collection) IsZero() bool { return len(c.updates) == 0 }

// history returns the raw history of a tuple. The result must not be modified.
func (c *Collection) history(t Tuple) []timeDiff { return c.updates[t] }

func (c *Collection) set(t Tuple, hist []timeDiff) {
	if len(hist) == 0 {
		delete(c.updates, t)
		return
	}
	c.updates[t] = hist
}
