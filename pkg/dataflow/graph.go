package dataflow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultChannelBuffer is the default capacity of the channel on each edge of the graph, counted
// in epoch batches.
const DefaultChannelBuffer = 64

// Kind is the type of an operator.
type Kind int

const (
	KindInput Kind = iota
	KindMap
	KindFilter
	KindConcat
	KindNegate
	KindJoin
	KindDistinct
	KindIterate
	KindInspect
	// Loop-internal operators.
	KindVariable
	KindEnter
)

// String returns the operator symbol used in logs and diagrams.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindMap:
		return "map"
	case KindFilter:
		return "filter"
	case KindConcat:
		return "concat"
	case KindNegate:
		return "negate"
	case KindJoin:
		return "join"
	case KindDistinct:
		return "distinct"
	case KindIterate:
		return "iterate"
	case KindInspect:
		return "inspect"
	case KindVariable:
		return "variable"
	case KindEnter:
		return "enter"
	default:
		return "<unknown>"
	}
}

// Options configure a dataflow.
type Options struct {
	// Name identifies the dataflow in logs and metrics. Default is "dataflow".
	Name string
	// Workers is the number of worker goroutines started by Run. Default is 1.
	Workers int
	// ChannelBuffer is the capacity of each edge, in epoch batches. Default is DefaultChannelBuffer.
	ChannelBuffer int
	// Registerer, if set, is used to register the operator metrics.
	Registerer prometheus.Registerer
	// OnAnomaly is called when the accumulated multiplicity of an input tuple turns negative at a
	// finalized epoch. It is called from a worker goroutine.
	OnAnomaly func(input string, u Update)
	// Logger is the logger used by the dataflow. Default is to discard logs.
	Logger logr.Logger
}

// Dataflow is a graph of operators together with the workers that execute it.
type Dataflow struct {
	name    string
	opts    Options
	outer   *scope
	nextID  int
	errs    []error
	inputs  []*node
	workers []*worker
	metrics *metrics

	mu      sync.Mutex
	built   bool
	running bool

	logger, log logr.Logger
}

// New creates an empty dataflow.
func New(opts Options) *Dataflow {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	if opts.Name == "" {
		opts.Name = "dataflow"
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ChannelBuffer <= 0 {
		opts.ChannelBuffer = DefaultChannelBuffer
	}

	df := &Dataflow{
		name:   opts.Name,
		opts:   opts,
		logger: logger,
		log:    logger.WithName(opts.Name),
	}
	df.outer = &scope{df: df}

	m, err := newMetrics(opts.Name, opts.Registerer)
	if err != nil {
		df.errs = append(df.errs, newGraphError("failed to register metrics", err))
	}
	df.metrics = m

	return df
}

// Name returns the name of the dataflow.
func (df *Dataflow) Name() string { return df.name }

// NewInput creates a new input stream and returns it together with the session that feeds it.
func (df *Dataflow) NewInput(name string) (*Stream, *Session) {
	n := df.newNode(df.outer, name, KindInput)
	n.input = newInputState(df.opts.OnAnomaly)
	df.inputs = append(df.inputs, n)
	if df.isBuilt() {
		df.addError(fmt.Errorf("cannot add input %q: dataflow already started", name))
	}

	s := &Session{
		name: name,
		node: n,
		log:  df.log.WithName("session").WithValues("input", name),
	}
	return &Stream{df: df, scope: df.outer, node: n}, s
}

// Validate returns the errors found while the graph was built, if any.
func (df *Dataflow) Validate() error {
	if len(df.errs) == 0 {
		return nil
	}
	return newGraphError(fmt.Sprintf("invalid dataflow %q", df.name), errors.Join(df.errs...))
}

func (df *Dataflow) addError(err error) {
	df.errs = append(df.errs, err)
}

func (df *Dataflow) isBuilt() bool {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.built
}

// newNode creates an operator in the given scope and appends it to the scope.
func (df *Dataflow) newNode(sc *scope, name string, kind Kind, inputs ...*node) *node {
	n := df.allocNode(sc, name, kind, inputs...)
	sc.nodes = append(sc.nodes, n)
	return n
}

// allocNode creates an operator without adding it to the scope.
func (df *Dataflow) allocNode(sc *scope, name string, kind Kind, inputs ...*node) *node {
	n := &node{
		id:     df.nextID,
		name:   name,
		kind:   kind,
		scope:  sc,
		inputs: inputs,
	}
	df.nextID++
	return n
}

// build wires the edges of the graph and assigns the operators to workers. It is idempotent.
func (df *Dataflow) build() error {
	df.mu.Lock()
	defer df.mu.Unlock()

	if df.built {
		return nil
	}
	if err := df.Validate(); err != nil {
		return err
	}

	for _, n := range df.outer.nodes {
		ports := len(n.inputs)
		if n.kind == KindInput {
			ports = 1
		}
		n.queued = make([][]message, ports)
		n.frontiers = make([]uint64, ports)

		for p, up := range n.inputs {
			e := &edge{from: up, to: n, port: p, ch: make(chan message, df.opts.ChannelBuffer)}
			n.ins = append(n.ins, e)
			up.outs = append(up.outs, e)
		}

		if n.kind == KindIterate {
			n.iterate.build()
		}
	}

	df.workers = make([]*worker, df.opts.Workers)
	for i := range df.workers {
		df.workers[i] = &worker{id: i, wake: make(chan struct{}, 1), log: df.log.WithValues("worker", i)}
	}
	for i, n := range df.outer.nodes {
		w := df.workers[i%len(df.workers)]
		w.nodes = append(w.nodes, n)
		n.worker = w
		if n.kind == KindInput {
			n.input.setWorker(w)
		}
	}

	df.built = true
	df.log.V(1).Info("dataflow built", "operators", len(df.outer.nodes), "workers", len(df.workers))

	return nil
}

// scope is either the outer scope of a dataflow or the body of a loop.
type scope struct {
	df    *Dataflow
	loop  *node // nil for the outer scope
	nodes []*node
}

func (sc *scope) String() string {
	if sc.loop == nil {
		return sc.df.name
	}
	return sc.loop.name
}

// portRef identifies an input port of a loop body operator.
type portRef struct {
	node *node
	port int
}

// node is an operator. The kind selects which of the operator-specific fields is set; all
// operators are evaluated by step.
type node struct {
	id     int
	name   string
	kind   Kind
	scope  *scope
	inputs []*node

	// Operator-specific state.
	mapFn    MapFunc
	filterFn FilterFunc
	join     *joinState
	distinct *distinctState
	iterate  *iterState
	input    *inputState
	sink     *sinkState

	// Outer scope runtime, owned by the worker running the operator.
	ins       []*edge
	outs      []*edge
	queued    [][]message
	frontiers []uint64
	done      bool
	worker    *worker

	// Loop body runtime: consumers and per-round batches, indexed by round and port.
	consumers []portRef
	rounds    map[uint64][][]Delta
}

func (n *node) String() string {
	return fmt.Sprintf("%s:%s", n.kind, n.name)
}

// step processes the batches that arrived on the input ports at time now and returns the output
// deltas. Outputs carry times at or after now.
func (n *node) step(now Time, in [][]Delta) []Delta {
	switch n.kind {
	case KindInput:
		return n.input.step(now, in[0])
	case KindMap:
		return mapDeltas(n.mapFn, in[0])
	case KindFilter:
		return filterDeltas(n.filterFn, in[0])
	case KindConcat:
		return concatDeltas(in...)
	case KindNegate:
		return Negate(in[0])
	case KindJoin:
		return n.join.step(now, in[0], in[1])
	case KindDistinct:
		return n.distinct.step(now, in[0])
	case KindIterate:
		return n.iterate.step(now, in)
	case KindInspect:
		n.sink.step(now, in[0])
		return in[0]
	case KindVariable, KindEnter:
		return Consolidate(in[0])
	default:
		panic(fmt.Sprintf("unknown operator kind %d", n.kind))
	}
}

// NodeInfo describes an operator of the graph.
type NodeInfo struct {
	ID     int
	Name   string
	Kind   Kind
	Inputs []int
	// Body lists the operators of a loop and Result is the id of the operator that produces the
	// next value of the loop variable.
	Body   []NodeInfo
	Result int
}

// Describe returns the operators of the outer scope in topological order.
func (df *Dataflow) Describe() []NodeInfo {
	return describeScope(df.outer)
}

func describeScope(sc *scope) []NodeInfo {
	ret := make([]NodeInfo, 0, len(sc.nodes))
	for _, n := range sc.nodes {
		info := NodeInfo{ID: n.id, Name: n.name, Kind: n.kind, Result: -1}
		for _, in := range n.inputs {
			info.Inputs = append(info.Inputs, in.id)
		}
		if n.kind == KindIterate {
			info.Body = describeScope(n.iterate.body)
			if n.iterate.result != nil {
				info.Result = n.iterate.result.id
			}
		}
		ret = append(ret, info)
	}
	return ret
}
