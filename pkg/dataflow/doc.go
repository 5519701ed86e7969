// Package dataflow implements an incremental dataflow engine over timestamped Z-sets: multisets of
// tuples whose multiplicities change through signed, timestamped deltas.
//
// A dataflow is a graph of operators built from the streams returned by NewInput. Inputs are fed
// through a Session that stages insertions and retractions at the current epoch and hands them to
// the graph when the epoch is closed with AdvanceTo. Each operator then processes the complete
// batch of an epoch, emitting only the changes of its output.
//
// Key components:
//   - Collection: the timestamped multiset (count(tuple, t) is the sum of the diffs at times <= t).
//   - Session: the single-writer ingestion point for an input stream.
//   - Stream: a handle used to wire operators: Map, Filter, Join, Concat, Negate, Distinct, Inspect.
//   - Iterate: a nested scope that evaluates a fixpoint semi-naively, one round at a time.
//   - Dataflow: owns the operator graph and the workers that schedule it.
//
// Times are pairs (epoch, round). Outside of loops the round is always zero. Inside a loop, a delta
// at (e, r) is visible at (e', r') iff e <= e' and r <= r', which keeps fixpoints of different
// epochs apart while letting later epochs reuse the work done for earlier ones.
//
// Example usage:
//
//	df := dataflow.New(dataflow.Options{})
//	edges, session := df.NewInput("edges")
//	edges.Map("swap", dataflow.Swap).Inspect("out", func(u dataflow.Update) { fmt.Println(u) })
//	session.Insert(dataflow.Tuple{A: 1, B: 2})
//	session.AdvanceTo(1)
//	err := df.Drain()
package dataflow
