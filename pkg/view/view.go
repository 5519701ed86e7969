// Package view provides materialized views over dataflow streams. A view is a dataflow sink that
// collects the updates of a stream and commits them to a store once their epoch is finalized, so
// that the contents of the stream can be polled at a consistent frontier.
package view

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/l7mp/dflow/pkg/dataflow"
)

var _ dataflow.Sink = &View{}

// Options configure a view.
type Options struct {
	// Store keeps the finalized contents. Default is a new MemoryStore.
	Store Store
	// Logger is the logger used by the view.
	Logger logr.Logger
}

// View is a materialized view of a stream.
type View struct {
	name     string
	store    Store
	mu       sync.Mutex
	pending  map[uint64]map[dataflow.Tuple]int
	frontier uint64
	changed  chan struct{}
	anoms    []dataflow.Update
	err      error

	log logr.Logger
}

// New creates a view. The frontier of the view starts at the frontier recorded in the store.
func New(name string, opts Options) (*View, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}

	frontier, err := store.Frontier()
	if err != nil {
		return nil, fmt.Errorf("view %q: failed to read frontier: %w", name, err)
	}

	return &View{
		name:     name,
		store:    store,
		pending:  make(map[uint64]map[dataflow.Tuple]int),
		frontier: frontier,
		changed:  make(chan struct{}),
		log:      logger.WithName("view").WithValues("name", name),
	}, nil
}

// Name returns the name of the view.
func (v *View) Name() string { return v.name }

// Update implements dataflow.Sink.
func (v *View) Update(u dataflow.Update) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if u.Anomaly {
		v.anoms = append(v.anoms, u)
		return
	}

	epoch := u.Time.Epoch
	if epoch < v.frontier {
		// Already persisted by an earlier run over the same store.
		return
	}
	changes, ok := v.pending[epoch]
	if !ok {
		changes = make(map[dataflow.Tuple]int)
		v.pending[epoch] = changes
	}
	changes[u.Tuple] += u.Diff
}

// Advance implements dataflow.Sink: it commits the changes of all epochs before the frontier and
// wakes up the waiters.
func (v *View) Advance(frontier uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if frontier <= v.frontier {
		return
	}

	changes := map[dataflow.Tuple]int{}
	epochs := slices.Sorted(maps.Keys(v.pending))
	for _, e := range epochs {
		if e >= frontier {
			break
		}
		for t, d := range v.pending[e] {
			changes[t] += d
		}
		delete(v.pending, e)
	}

	if err := v.store.Commit(frontier, changes); err != nil {
		v.err = fmt.Errorf("view %q: failed to commit frontier %d: %w", v.name, frontier, err)
		v.log.Error(err, "commit failed", "frontier", frontier)
	}
	v.frontier = frontier
	v.log.V(2).Info("frontier advanced", "frontier", frontier, "changes", len(changes))

	close(v.changed)
	v.changed = make(chan struct{})
}

// Frontier returns the frontier of the view: the contents reflect all epochs before it.
func (v *View) Frontier() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frontier
}

// Err returns the last error of the store, if any.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// WaitFor blocks until the view reflects the given epoch or the context is canceled.
func (v *View) WaitFor(ctx context.Context, epoch uint64) error {
	for {
		v.mu.Lock()
		frontier, changed, err := v.frontier, v.changed, v.err
		v.mu.Unlock()

		if err != nil {
			return err
		}
		if frontier > epoch {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Count returns the multiplicity of a tuple at the frontier.
func (v *View) Count(t dataflow.Tuple) (int, error) {
	return v.store.Get(t)
}

// Contains returns true if the tuple is present at the frontier.
func (v *View) Contains(t dataflow.Tuple) (bool, error) {
	c, err := v.store.Get(t)
	return c > 0, err
}

// Snapshot returns the contents of the view at the frontier.
func (v *View) Snapshot() (map[dataflow.Tuple]int, error) {
	records, err := v.store.List()
	if err != nil {
		return nil, err
	}
	ret := make(map[dataflow.Tuple]int, len(records))
	for _, r := range records {
		ret[r.Tuple()] = r.Count
	}
	return ret, nil
}

// List returns the records of the view at the frontier in tuple order.
func (v *View) List() ([]Record, error) {
	return v.store.List()
}

// Anomalies returns the anomalies reported to the view.
func (v *View) Anomalies() []dataflow.Update {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.anoms)
}

// Close closes the store of the view.
func (v *View) Close() error {
	return v.store.Close()
}
