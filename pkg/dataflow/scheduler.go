package dataflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// worker executes a partition of the operators of the outer scope.
type worker struct {
	id    int
	nodes []*node
	wake  chan struct{}
	log   logr.Logger
}

// notify wakes the worker up if it is waiting for work. It never blocks.
func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// pass polls each operator of the worker once and reports whether any of them made progress.
func (w *worker) pass() bool {
	progress := false
	for _, n := range w.nodes {
		if n.poll() {
			progress = true
		}
	}
	return progress
}

func (w *worker) finished() bool {
	for _, n := range w.nodes {
		if !n.done {
			return false
		}
	}
	return true
}

// run polls the operators until all of them are finished or the context is canceled.
func (w *worker) run(ctx context.Context) error {
	w.log.V(1).Info("worker starting", "operators", len(w.nodes))
	defer w.log.V(1).Info("worker stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.pass() {
			continue
		}
		if w.finished() {
			return nil
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run builds the dataflow and executes it on Options.Workers goroutines. It returns when all
// inputs are closed and every operator has processed all its input, or when the context is
// canceled; in the latter case the workers finish the epoch they are processing and Run returns
// the context error.
func (df *Dataflow) Run(ctx context.Context) error {
	if err := df.start(); err != nil {
		return err
	}
	defer df.stop()

	df.log.V(1).Info("dataflow running", "workers", len(df.workers))
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range df.workers {
		g.Go(func() error { return w.run(ctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	df.log.V(1).Info("dataflow finished")
	return nil
}

// Drain builds the dataflow and executes it on the calling goroutine until no operator can make
// progress, i.e., until all published input has been fully processed.
func (df *Dataflow) Drain() error {
	if err := df.start(); err != nil {
		return err
	}
	defer df.stop()

	for {
		progress := false
		for _, w := range df.workers {
			if w.pass() {
				progress = true
			}
		}
		if !progress {
			return nil
		}
	}
}

// Done returns true if every operator has processed all of its input and all inputs are closed.
func (df *Dataflow) Done() bool {
	df.mu.Lock()
	defer df.mu.Unlock()
	if !df.built || df.running {
		return false
	}
	for _, w := range df.workers {
		if !w.finished() {
			return false
		}
	}
	return true
}

func (df *Dataflow) start() error {
	if err := df.build(); err != nil {
		return err
	}
	df.mu.Lock()
	defer df.mu.Unlock()
	if df.running {
		return errors.New("dataflow is already running")
	}
	df.running = true
	return nil
}

func (df *Dataflow) stop() {
	df.mu.Lock()
	defer df.mu.Unlock()
	df.running = false
}

// poll moves messages along the edges of the operator and processes every epoch that is
// complete on all input ports. It reports whether anything happened.
func (n *node) poll() bool {
	progress := n.flush()
	if n.done {
		return progress
	}

	if n.kind == KindInput {
		for _, m := range n.input.drain() {
			n.enqueue(0, m)
			progress = true
		}
	} else {
		for p, e := range n.ins {
			for {
				m, ok := e.receive()
				if !ok {
					break
				}
				n.enqueue(p, m)
				progress = true
				e.from.worker.notify()
			}
		}
	}

	for {
		epoch, ok := n.ready()
		if !ok {
			break
		}
		n.process(epoch)
		progress = true
	}

	if n.flush() {
		progress = true
	}

	if n.frontier() == Closed && n.idle() {
		n.done = true
		n.scope.df.log.V(1).Info("operator finished", "operator", n.String())
		progress = true
	}

	return progress
}

func (n *node) enqueue(port int, m message) {
	n.queued[port] = append(n.queued[port], m)
	n.frontiers[port] = m.frontier
}

// frontier is the least frontier of the input ports.
func (n *node) frontier() uint64 {
	f := Closed
	for _, pf := range n.frontiers {
		f = min(f, pf)
	}
	return f
}

// next returns the earliest queued epoch.
func (n *node) next() (uint64, bool) {
	first, ok := uint64(0), false
	for _, q := range n.queued {
		if len(q) > 0 && (!ok || q[0].epoch < first) {
			first, ok = q[0].epoch, true
		}
	}
	return first, ok
}

// ready returns the earliest queued epoch if no input can still send data for it.
func (n *node) ready() (uint64, bool) {
	epoch, ok := n.next()
	if !ok || epoch >= n.frontier() {
		return 0, false
	}
	return epoch, true
}

// process runs the operator on the batches of an epoch and sends the result downstream.
func (n *node) process(epoch uint64) {
	in := make([][]Delta, len(n.queued))
	for p, q := range n.queued {
		for len(q) > 0 && q[0].epoch == epoch {
			in[p] = append(in[p], q[0].deltas...)
			q = q[1:]
		}
		n.queued[p] = q
	}

	now := Time{Epoch: epoch}
	out := n.step(now, in)

	frontier := n.frontier()
	if next, ok := n.next(); ok {
		frontier = min(frontier, next)
	}

	switch n.kind {
	case KindInput:
		n.input.finalize(n, epoch)
	case KindInspect:
		n.sink.finalize(n, epoch, frontier)
	}

	df := n.scope.df
	df.metrics.processed(n, len(out))
	df.log.V(2).Info("epoch processed", "operator", n.String(), "epoch", epoch, "deltas", len(out),
		"frontier", frontierString(frontier))

	for _, e := range n.outs {
		e.send(message{epoch: epoch, deltas: out, frontier: frontier})
	}
}

// flush pushes the outboxes of the operator to the channels and wakes up the consumers.
func (n *node) flush() bool {
	progress := false
	for _, e := range n.outs {
		if e.flush() {
			e.to.worker.notify()
			progress = true
		}
	}
	return progress
}

// idle reports whether the operator has no queued input and no unsent output.
func (n *node) idle() bool {
	for _, q := range n.queued {
		if len(q) > 0 {
			return false
		}
	}
	for _, e := range n.outs {
		if len(e.outbox) > 0 {
			return false
		}
	}
	return true
}

func frontierString(f uint64) string {
	if f == Closed {
		return "closed"
	}
	return fmt.Sprintf("%d", f)
}
