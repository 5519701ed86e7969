package dataflow

import (
	"slices"
)

// distinctState keeps the input history of a distinct operator and the rounds of the current
// epoch at which tuples must be re-evaluated because an earlier epoch changed them there.
type distinctState struct {
	input     *Collection
	pending   map[uint64]map[Tuple]struct{}
	compactor epochCompactor
}

func newDistinctState() *distinctState {
	return &distinctState{
		input:   NewCollection(),
		pending: make(map[uint64]map[Tuple]struct{}),
	}
}

// hasPending reports whether some tuple must be re-evaluated at the given round.
func (s *distinctState) hasPending(round uint64) bool {
	_, ok := s.pending[round]
	return ok
}

// nextPending returns the earliest round with pending re-evaluations.
func (s *distinctState) nextPending() (uint64, bool) {
	first, ok := uint64(0), false
	for r := range s.pending {
		if !ok || r < first {
			first, ok = r, true
		}
	}
	return first, ok
}

// present is the indicator of a positive count at a time.
func (s *distinctState) present(t Tuple, at Time) int {
	if s.input.Count(t, at) > 0 {
		return 1
	}
	return 0
}

// step computes the output at now for the tuples changed by the batch and for the tuples
// scheduled for re-evaluation at this round. The output is the mixed difference
//
//	D(e,r) - D(e-1,r) - D(e,r-1) + D(e-1,r-1)
//
// of the presence indicator D, which makes the accumulated output at every time equal the
// indicator itself.
func (s *distinctState) step(now Time, in []Delta) []Delta {
	if epoch, ok := s.compactor.advance(now.Epoch); ok {
		s.input.Compact(epoch)
		clear(s.pending)
	}

	touched := s.pending[now.Round]
	delete(s.pending, now.Round)
	if touched == nil {
		touched = make(map[Tuple]struct{})
	}

	for _, d := range in {
		touched[d.Tuple] = struct{}{}
		// Rounds at which earlier epochs changed the tuple must be revisited in this epoch.
		for _, h := range s.input.history(d.Tuple) {
			if h.Time.Epoch < now.Epoch && h.Time.Round > now.Round {
				s.schedule(h.Time.Round, d.Tuple)
			}
		}
	}
	s.input.ApplyBatch(in)

	tuples := make([]Tuple, 0, len(touched))
	for t := range touched {
		tuples = append(tuples, t)
	}
	slices.SortFunc(tuples, Tuple.Compare)

	var out []Delta
	for _, t := range tuples {
		diff := s.present(t, now)
		if now.Epoch > 0 {
			diff -= s.present(t, Time{Epoch: now.Epoch - 1, Round: now.Round})
		}
		if now.Round > 0 {
			diff -= s.present(t, Time{Epoch: now.Epoch, Round: now.Round - 1})
		}
		if now.Epoch > 0 && now.Round > 0 {
			diff += s.present(t, Time{Epoch: now.Epoch - 1, Round: now.Round - 1})
		}
		if diff != 0 {
			out = append(out, Delta{Tuple: t, Time: now, Diff: diff})
		}
	}
	return out
}

func (s *distinctState) schedule(round uint64, t Tuple) {
	set, ok := s.pending[round]
	if !ok {
		set = make(map[Tuple]struct{})
		s.pending[round] = set
	}
	set[t] = struct{}{}
}
