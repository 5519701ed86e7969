package dataflow

// arrangement indexes the history of one side of a join by key.
type arrangement map[Tuple]*Collection

func (a arrangement) insert(key Tuple, d Delta) {
	c, ok := a[key]
	if !ok {
		c = NewCollection()
		a[key] = c
	}
	c.Apply(d)
	if c.IsZero() {
		delete(a, key)
	}
}

func (a arrangement) compact(epoch uint64) {
	for k, c := range a {
		c.Compact(epoch)
		if c.IsZero() {
			delete(a, k)
		}
	}
}

type joinState struct {
	leftKey, rightKey KeyFunc
	fn                JoinFunc
	left, right       arrangement
	compactor         epochCompactor
}

func newJoinState(leftKey, rightKey KeyFunc, fn JoinFunc) *joinState {
	return &joinState{
		leftKey:  leftKey,
		rightKey: rightKey,
		fn:       fn,
		left:     arrangement{},
		right:    arrangement{},
	}
}

// step joins the new deltas of each side with the history of the other side. New left deltas
// meet the right history before this batch, new right deltas meet the left history including
// this batch, so that each pair is produced exactly once.
func (j *joinState) step(now Time, left, right []Delta) []Delta {
	if epoch, ok := j.compactor.advance(now.Epoch); ok {
		j.left.compact(epoch)
		j.right.compact(epoch)
	}

	var out []Delta
	for _, l := range left {
		key := j.leftKey(l.Tuple)
		if c, ok := j.right[key]; ok {
			for r, hist := range c.updates {
				for _, h := range hist {
					out = append(out, Delta{Tuple: j.fn(key, l.Tuple, r), Time: l.Time.Join(h.Time), Diff: l.Diff * h.Diff})
				}
			}
		}
		j.left.insert(key, l)
	}

	for _, r := range right {
		key := j.rightKey(r.Tuple)
		if c, ok := j.left[key]; ok {
			for l, hist := range c.updates {
				for _, h := range hist {
					out = append(out, Delta{Tuple: j.fn(key, l, r.Tuple), Time: r.Time.Join(h.Time), Diff: h.Diff * r.Diff})
				}
			}
		}
		j.right.insert(key, r)
	}

	return Consolidate(out)
}
