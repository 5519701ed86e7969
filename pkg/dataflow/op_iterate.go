package dataflow

import (
	"github.com/go-logr/logr"
)

// iterState runs the body of a loop to its fixpoint, one epoch at a time. For each epoch it
// processes rounds in increasing order and, within a round, the body operators in the order they
// were created. The batches waiting for an operator are kept in its round arena and dropped once
// consumed. An epoch is finished when no operator has work at any later round.
type iterState struct {
	node     *node
	body     *scope
	variable *node
	result   *node
	enters   []*node // enters[i] is fed by input port i+1

	log logr.Logger
}

// build links each body operator to its consumers.
func (it *iterState) build() {
	for _, n := range it.body.nodes {
		n.consumers = nil
		n.rounds = make(map[uint64][][]Delta)
	}
	for _, n := range it.body.nodes {
		for p, in := range n.inputs {
			in.consumers = append(in.consumers, portRef{node: n, port: p})
		}
	}
}

// push queues deltas for a body operator at the given round.
func (it *iterState) push(n *node, port int, round uint64, deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	batches, ok := n.rounds[round]
	if !ok {
		batches = make([][]Delta, max(len(n.inputs), 1))
		n.rounds[round] = batches
	}
	batches[port] = append(batches[port], deltas...)
}

// nextRound returns the earliest round at which some body operator has work.
func (it *iterState) nextRound() (uint64, bool) {
	first, ok := uint64(0), false
	take := func(r uint64) {
		if !ok || r < first {
			first, ok = r, true
		}
	}
	for _, n := range it.body.nodes {
		for r := range n.rounds {
			take(r)
		}
		if n.kind == KindDistinct {
			if r, pending := n.distinct.nextPending(); pending {
				take(r)
			}
		}
	}
	return first, ok
}

// step runs the loop for the epoch of now. Port 0 carries the initial value of the variable and
// the other ports the entered streams. The output is the change of the fixpoint at the epoch.
func (it *iterState) step(now Time, in [][]Delta) []Delta {
	epoch := now.Epoch
	source := in[0]
	it.push(it.variable, 0, 0, retime(source, Time{Epoch: epoch}))
	it.push(it.variable, 0, 1, Negate(retime(source, Time{Epoch: epoch, Round: 1})))
	for i, en := range it.enters {
		it.push(en, 0, 0, in[i+1])
	}

	var leave []Delta
	rounds := 0
	for {
		round, ok := it.nextRound()
		if !ok {
			break
		}
		rounds++
		t := Time{Epoch: epoch, Round: round}

		for _, n := range it.body.nodes {
			batches, queued := n.rounds[round]
			pending := n.kind == KindDistinct && n.distinct.hasPending(round)
			if !queued && !pending {
				continue
			}
			delete(n.rounds, round)
			if batches == nil {
				batches = make([][]Delta, max(len(n.inputs), 1))
			}

			out := n.step(t, batches)
			n.scope.df.metrics.processed(n, len(out))
			if len(out) == 0 {
				continue
			}

			for _, d := range out {
				for _, c := range n.consumers {
					it.push(c.node, c.port, d.Time.Round, []Delta{d})
				}
			}
			if n == it.result {
				for _, d := range out {
					it.push(it.variable, 0, d.Time.Round+1,
						[]Delta{{Tuple: d.Tuple, Time: Time{Epoch: epoch, Round: d.Time.Round + 1}, Diff: d.Diff}})
				}
				leave = append(leave, retime(out, Time{Epoch: epoch})...)
			}
		}

		it.log.V(4).Info("round finished", "epoch", epoch, "round", round)
	}

	it.node.scope.df.metrics.iterated(it.node, rounds)
	it.log.V(2).Info("fixpoint reached", "epoch", epoch, "rounds", rounds)

	return Consolidate(leave)
}
