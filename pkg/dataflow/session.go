package dataflow

import (
	"fmt"
	"slices"

	"github.com/go-logr/logr"
)

// Session feeds an input of a dataflow. Updates are staged at the current epoch and published
// when the session advances to a later epoch or is closed. A session has a single owner and must
// not be used from several goroutines concurrently.
//
// Misuse, such as moving time backwards or staging data after the session was closed, returns a
// *UsageError and makes the session unusable: every later call returns the same error.
type Session struct {
	name   string
	node   *node
	epoch  uint64
	staged []Delta
	closed bool
	err    error

	log logr.Logger
}

// Name returns the name of the input.
func (s *Session) Name() string { return s.name }

// Epoch returns the current epoch, at which updates are staged.
func (s *Session) Epoch() uint64 { return s.epoch }

// Frontier returns the earliest epoch at which the input may still change, or Closed.
func (s *Session) Frontier() uint64 {
	if s.closed {
		return Closed
	}
	return s.epoch
}

// Insert stages one more copy of the tuple at the current epoch.
func (s *Session) Insert(t Tuple) error { return s.Update(t, 1) }

// Remove stages the removal of one copy of the tuple at the current epoch.
func (s *Session) Remove(t Tuple) error { return s.Update(t, -1) }

// Update stages a change of the multiplicity of the tuple at the current epoch.
func (s *Session) Update(t Tuple, diff int) error { return s.UpdateAt(t, s.epoch, diff) }

// UpdateAt stages a change of the multiplicity of the tuple at an epoch not before the current
// one. Changes at later epochs are published when the session advances past them.
func (s *Session) UpdateAt(t Tuple, epoch uint64, diff int) error {
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return s.fail(fmt.Sprintf("cannot stage %s: session is closed", t))
	}
	if epoch < s.epoch {
		return s.fail(fmt.Sprintf("cannot stage %s at epoch %d: current epoch is %d", t, epoch, s.epoch))
	}
	if diff == 0 {
		return nil
	}

	s.staged = append(s.staged, Delta{Tuple: t, Time: Time{Epoch: epoch}, Diff: diff})
	s.log.V(8).Info("staged", "tuple", t.String(), "epoch", epoch, "diff", diff)
	return nil
}

// AdvanceTo publishes the updates staged before epoch and moves the session to epoch. Advancing
// to the current epoch is a no-op; advancing to an earlier one is an error.
func (s *Session) AdvanceTo(epoch uint64) error {
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return s.fail(fmt.Sprintf("cannot advance to epoch %d: session is closed", epoch))
	}
	if epoch < s.epoch {
		return s.fail(fmt.Sprintf("cannot advance to epoch %d: current epoch is %d", epoch, s.epoch))
	}
	if epoch == s.epoch {
		return nil
	}

	s.flush(epoch)
	s.epoch = epoch
	return nil
}

// Close publishes all staged updates and closes the input. Closing a closed session is a no-op.
func (s *Session) Close() error {
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return nil
	}

	s.flush(Closed)
	s.closed = true
	s.log.V(1).Info("session closed", "epoch", s.epoch)
	return nil
}

// flush publishes one batch for each epoch from the current epoch up to, but excluding, next.
// Each batch carries the epoch of the following batch, or next, as its frontier.
func (s *Session) flush(next uint64) {
	staged := Consolidate(s.staged)

	epochs := []uint64{s.epoch}
	byEpoch := map[uint64][]Delta{}
	var keep []Delta
	for _, d := range staged {
		if d.Time.Epoch >= next {
			keep = append(keep, d)
			continue
		}
		if _, ok := byEpoch[d.Time.Epoch]; !ok && d.Time.Epoch != s.epoch {
			epochs = append(epochs, d.Time.Epoch)
		}
		byEpoch[d.Time.Epoch] = append(byEpoch[d.Time.Epoch], d)
	}
	slices.Sort(epochs)
	s.staged = keep

	msgs := make([]message, len(epochs))
	for i, e := range epochs {
		frontier := next
		if i+1 < len(epochs) {
			frontier = epochs[i+1]
		}
		msgs[i] = message{epoch: e, deltas: byEpoch[e], frontier: frontier}
	}
	s.node.input.push(msgs...)

	s.log.V(2).Info("epoch published", "epoch", s.epoch, "deltas", len(byEpoch[s.epoch]), "frontier", next)
}

func (s *Session) fail(msg string) error {
	s.err = &UsageError{Session: s.name, Message: msg}
	s.log.Error(s.err, "session failed")
	return s.err
}
