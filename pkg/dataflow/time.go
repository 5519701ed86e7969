package dataflow

import (
	"cmp"
	"fmt"
	"math"
)

// Closed is the frontier of a stream that will never produce more data.
const Closed uint64 = math.MaxUint64

// Time is a logical timestamp: an outer epoch extended with the round of the enclosing loop.
// Outside of loops the round is always zero.
type Time struct {
	Epoch uint64
	Round uint64
}

// LessEqual reports whether t precedes o in the product order, i.e., whether a delta at t is
// visible at o.
func (t Time) LessEqual(o Time) bool {
	return t.Epoch <= o.Epoch && t.Round <= o.Round
}

// Join returns the least upper bound of two times.
func (t Time) Join(o Time) Time {
	return Time{Epoch: max(t.Epoch, o.Epoch), Round: max(t.Round, o.Round)}
}

// Compare orders times lexicographically. This is the order in which work is scheduled.
func (t Time) Compare(o Time) int {
	if c := cmp.Compare(t.Epoch, o.Epoch); c != 0 {
		return c
	}
	return cmp.Compare(t.Round, o.Round)
}

// String returns the epoch for outer times and an (epoch, round) pair otherwise.
func (t Time) String() string {
	if t.Round == 0 {
		return fmt.Sprintf("%d", t.Epoch)
	}
	return fmt.Sprintf("(%d, %d)", t.Epoch, t.Round)
}

// epochCompactor tracks the last epoch an operator processed so that its history can be
// compacted when the next epoch starts.
type epochCompactor struct {
	last    uint64
	started bool
}

// advance reports the epoch to compact to, if any, when processing moves to epoch.
func (c *epochCompactor) advance(epoch uint64) (uint64, bool) {
	if !c.started {
		c.started, c.last = true, epoch
		return 0, false
	}
	if epoch <= c.last {
		return 0, false
	}
	prev := c.last
	c.last = epoch
	return prev, true
}
