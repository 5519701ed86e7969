package dataflow

import (
	"errors"
	"fmt"
)

// MapFunc transforms a tuple. It must be pure: it may be called several times for the same tuple.
type MapFunc func(Tuple) Tuple

// FilterFunc selects the tuples to keep.
type FilterFunc func(Tuple) bool

// KeyFunc extracts the join key from a tuple.
type KeyFunc func(Tuple) Tuple

// JoinFunc builds the output tuple from a join key and the matching left and right tuples.
type JoinFunc func(key, left, right Tuple) Tuple

// Common key and map functions.
var (
	// ByFirst keys a tuple by its first component.
	ByFirst KeyFunc = func(t Tuple) Tuple { return Tuple{A: t.A} }
	// BySecond keys a tuple by its second component.
	BySecond KeyFunc = func(t Tuple) Tuple { return Tuple{A: t.B} }
	// ByPair keys a tuple by itself.
	ByPair KeyFunc = func(t Tuple) Tuple { return t }
	// Swap exchanges the components of a tuple.
	Swap MapFunc = Tuple.Swap
)

// Stream is a collection of deltas produced by an operator. Streams are created by the methods of
// a Dataflow or a Loop and are combined by the methods of Stream. Construction errors are
// collected and reported by Dataflow.Validate.
type Stream struct {
	df    *Dataflow
	scope *scope
	node  *node
}

// Name returns the name of the operator that produces the stream.
func (s *Stream) Name() string { return s.node.name }

// Map applies fn to each tuple.
func (s *Stream) Map(name string, fn MapFunc) *Stream {
	n := s.derive(name, KindMap)
	if fn == nil {
		s.df.addError(fmt.Errorf("map %q: nil function", name))
	}
	n.mapFn = fn
	return s.wrap(n)
}

// Filter keeps the tuples for which fn returns true.
func (s *Stream) Filter(name string, fn FilterFunc) *Stream {
	n := s.derive(name, KindFilter)
	if fn == nil {
		s.df.addError(fmt.Errorf("filter %q: nil function", name))
	}
	n.filterFn = fn
	return s.wrap(n)
}

// Negate flips the sign of each delta.
func (s *Stream) Negate(name string) *Stream {
	return s.wrap(s.derive(name, KindNegate))
}

// Concat returns the union of the stream with the other streams. Duplicates are kept.
func (s *Stream) Concat(name string, others ...*Stream) *Stream {
	if len(others) == 0 {
		s.df.addError(fmt.Errorf("concat %q: no streams to concatenate", name))
	}
	return s.wrap(s.derive(name, KindConcat, others...))
}

// Join computes the equi-join of the stream (left) and other (right) on the keys extracted by
// leftKey and rightKey. Each matching pair yields fn(key, left, right) with the product of the
// diffs at the least upper bound of the times.
func (s *Stream) Join(name string, other *Stream, leftKey, rightKey KeyFunc, fn JoinFunc) *Stream {
	n := s.derive(name, KindJoin, other)
	if leftKey == nil || rightKey == nil || fn == nil {
		s.df.addError(fmt.Errorf("join %q: nil key or join function", name))
	}
	n.join = newJoinState(leftKey, rightKey, fn)
	return s.wrap(n)
}

// Distinct collapses the multiplicity of each tuple to one if its count is positive and to zero
// otherwise.
func (s *Stream) Distinct(name string) *Stream {
	n := s.derive(name, KindDistinct)
	n.distinct = newDistinctState()
	return s.wrap(n)
}

// Inspect calls fn with every update of the stream and returns the stream unchanged.
func (s *Stream) Inspect(name string, fn func(Update)) *Stream {
	if fn == nil {
		return s.Sink(name, nil)
	}
	return s.Sink(name, InspectFunc(fn))
}

// Sink delivers every update of the stream to sink and returns the stream unchanged. In the outer
// scope the sink is also notified when epochs are finalized and receives anomaly updates for
// tuples whose count turned negative.
func (s *Stream) Sink(name string, sink Sink) *Stream {
	n := s.derive(name, KindInspect)
	if sink == nil {
		s.df.addError(fmt.Errorf("sink %q: nil sink", name))
		sink = InspectFunc(func(Update) {})
	}
	n.sink = newSinkState(sink, s.scope.loop == nil)
	return s.wrap(n)
}

// Iterate computes the fixpoint of body starting from the stream. body receives the loop and the
// loop variable, whose value in round 0 is the stream and in every later round is the output of
// body in the previous round. The result is the value of the fixpoint. Other streams can be
// brought into the loop with Loop.Enter. Loops cannot be nested.
func (s *Stream) Iterate(name string, body func(l *Loop, v *Stream) *Stream) *Stream {
	df := s.df
	if s.scope.loop != nil {
		df.addError(newGraphError(fmt.Sprintf("iterate %q", name),
			fmt.Errorf("nested loops are not supported (enclosing loop %q)", s.scope.loop.name)))
		return s
	}
	if body == nil {
		df.addError(fmt.Errorf("iterate %q: nil body", name))
		return s
	}
	if df.isBuilt() {
		df.addError(fmt.Errorf("iterate %q: dataflow already started", name))
	}

	n := df.allocNode(df.outer, name, KindIterate, s.node)
	inner := &scope{df: df, loop: n}
	variable := df.newNode(inner, name+"/variable", KindVariable)
	it := &iterState{
		node:     n,
		body:     inner,
		variable: variable,
		log:      df.log.WithName("iterate").WithValues("loop", name),
	}
	n.iterate = it

	l := &Loop{df: df, node: n, body: inner, entered: make(map[*node]*node)}
	ret := body(l, &Stream{df: df, scope: inner, node: variable})
	switch {
	case ret == nil:
		df.addError(fmt.Errorf("iterate %q: body returned no stream", name))
	case ret.df != df || ret.scope != inner:
		df.addError(fmt.Errorf("iterate %q: body result %q is not defined in the loop", name, ret.node.name))
	default:
		it.result = ret.node
	}

	df.outer.nodes = append(df.outer.nodes, n)
	return &Stream{df: df, scope: df.outer, node: n}
}

// derive creates an operator in the scope of the stream consuming the stream and others.
func (s *Stream) derive(name string, kind Kind, others ...*Stream) *node {
	inputs := []*node{s.node}
	for _, o := range others {
		if err := s.compatible(o); err != nil {
			s.df.addError(fmt.Errorf("%s %q: %w", kind, name, err))
			continue
		}
		inputs = append(inputs, o.node)
	}
	if s.df.isBuilt() {
		s.df.addError(fmt.Errorf("%s %q: dataflow already started", kind, name))
	}
	if s.scope.loop != nil && s.scope.loop.iterate.result != nil {
		s.df.addError(fmt.Errorf("%s %q: loop %q is already closed", kind, name, s.scope.loop.name))
	}
	return s.df.newNode(s.scope, name, kind, inputs...)
}

func (s *Stream) compatible(o *Stream) error {
	switch {
	case o == nil:
		return errors.New("nil stream")
	case o.df != s.df:
		return fmt.Errorf("stream %q belongs to another dataflow", o.node.name)
	case o.scope != s.scope:
		return fmt.Errorf("stream %q is defined in scope %q, expected %q", o.node.name, o.scope, s.scope)
	}
	return nil
}

func (s *Stream) wrap(n *node) *Stream {
	return &Stream{df: s.df, scope: s.scope, node: n}
}

// Loop is the scope of an iteration.
type Loop struct {
	df      *Dataflow
	node    *node
	body    *scope
	entered map[*node]*node
}

// Name returns the name of the loop.
func (l *Loop) Name() string { return l.node.name }

// Enter brings an outer stream into the loop. Its deltas appear in round 0 of each epoch. Entering
// the same stream twice returns the same loop stream.
func (l *Loop) Enter(s *Stream) *Stream {
	if s == nil || s.df != l.df || s.scope != l.df.outer {
		l.df.addError(fmt.Errorf("loop %q: only streams of the outer scope can be entered", l.node.name))
		return &Stream{df: l.df, scope: l.body, node: l.df.newNode(l.body, "invalid", KindEnter)}
	}
	if en, ok := l.entered[s.node]; ok {
		return &Stream{df: l.df, scope: l.body, node: en}
	}

	en := l.df.newNode(l.body, fmt.Sprintf("%s/enter/%s", l.node.name, s.node.name), KindEnter)
	l.node.inputs = append(l.node.inputs, s.node)
	l.node.iterate.enters = append(l.node.iterate.enters, en)
	l.entered[s.node] = en
	return &Stream{df: l.df, scope: l.body, node: en}
}
