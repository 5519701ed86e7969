package dataflow

import (
	"fmt"
	"sync"
)

// Update is a change observed by a sink. Anomaly updates report a tuple whose accumulated
// multiplicity is negative once its epoch is finalized; for these Diff holds the count.
type Update struct {
	Tuple   Tuple
	Time    Time
	Diff    int
	Anomaly bool
}

// String formats the update as a (data, time, diff) triple.
func (u Update) String() string {
	if u.Anomaly {
		return fmt.Sprintf("(%s, %s, %d) anomaly", u.Tuple, u.Time, u.Diff)
	}
	return fmt.Sprintf("(%s, %s, %d)", u.Tuple, u.Time, u.Diff)
}

// Sink observes a stream. Update is called for every delta in time order. Advance is called with
// the new frontier once all updates at epochs before the frontier have been delivered; it is only
// called for sinks in the outer scope. Both are called from a single goroutine at a time.
type Sink interface {
	Update(u Update)
	Advance(frontier uint64)
}

// InspectFunc adapts a function to a Sink that ignores frontier notifications.
type InspectFunc func(Update)

// Update implements Sink.
func (f InspectFunc) Update(u Update) { f(u) }

// Advance implements Sink.
func (f InspectFunc) Advance(uint64) {}

// anomalyTracker accumulates a collection and reports the tuples that turned negative.
type anomalyTracker struct {
	collection *Collection
	touched    map[Tuple]struct{}
	compactor  epochCompactor
}

func newAnomalyTracker() *anomalyTracker {
	return &anomalyTracker{collection: NewCollection(), touched: make(map[Tuple]struct{})}
}

func (a *anomalyTracker) apply(now Time, in []Delta) {
	if epoch, ok := a.compactor.advance(now.Epoch); ok {
		a.collection.Compact(epoch)
	}
	for _, d := range in {
		a.collection.Apply(d)
		a.touched[d.Tuple] = struct{}{}
	}
}

// finalize returns the anomalies among the tuples touched at the epoch, in tuple order.
func (a *anomalyTracker) finalize(epoch uint64) []Update {
	if len(a.touched) == 0 {
		return nil
	}
	at := Time{Epoch: epoch}
	var ret []Update
	for _, t := range a.collection.Negative(at) {
		if _, ok := a.touched[t]; ok {
			ret = append(ret, Update{Tuple: t, Time: at, Diff: a.collection.Count(t, at), Anomaly: true})
		}
	}
	clear(a.touched)
	return ret
}

type sinkState struct {
	sink      Sink
	anomalies *anomalyTracker // nil inside loops
}

func newSinkState(sink Sink, outer bool) *sinkState {
	s := &sinkState{sink: sink}
	if outer {
		s.anomalies = newAnomalyTracker()
	}
	return s
}

func (s *sinkState) step(now Time, in []Delta) {
	for _, d := range in {
		s.sink.Update(Update{Tuple: d.Tuple, Time: d.Time, Diff: d.Diff})
	}
	if s.anomalies != nil {
		s.anomalies.apply(now, in)
	}
}

// finalize reports the anomalies of a finalized epoch and the new frontier.
func (s *sinkState) finalize(n *node, epoch, frontier uint64) {
	if s.anomalies != nil {
		for _, u := range s.anomalies.finalize(epoch) {
			n.reportAnomaly(u)
			s.sink.Update(u)
		}
	}
	s.sink.Advance(frontier)
}

// inputState is the hand-off point between a session and the operator that publishes its
// batches. The inbox is the only operator state shared across goroutines.
type inputState struct {
	mu    sync.Mutex
	inbox []message
	wake  func()

	anomalies *anomalyTracker
	onAnomaly func(input string, u Update)
}

func newInputState(onAnomaly func(string, Update)) *inputState {
	return &inputState{anomalies: newAnomalyTracker(), onAnomaly: onAnomaly}
}

// push enqueues epoch batches and wakes the worker that owns the input.
func (s *inputState) push(msgs ...message) {
	s.mu.Lock()
	s.inbox = append(s.inbox, msgs...)
	wake := s.wake
	s.mu.Unlock()

	if wake != nil {
		wake()
	}
}

// drain removes all queued batches.
func (s *inputState) drain() []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.inbox
	s.inbox = nil
	return msgs
}

func (s *inputState) setWorker(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = w.notify
}

func (s *inputState) step(now Time, in []Delta) []Delta {
	s.anomalies.apply(now, in)
	return in
}

func (s *inputState) finalize(n *node, epoch uint64) {
	for _, u := range s.anomalies.finalize(epoch) {
		n.reportAnomaly(u)
		if s.onAnomaly != nil {
			s.onAnomaly(n.name, u)
		}
	}
}

// reportAnomaly logs and counts an anomaly detected at the operator.
func (n *node) reportAnomaly(u Update) {
	df := n.scope.df
	df.log.Info("anomaly: negative multiplicity at finalized epoch", "operator", n.name,
		"tuple", u.Tuple.String(), "epoch", u.Time.Epoch, "count", u.Diff)
	df.metrics.anomaly(df.name, n.name)
}
