package dataflow

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the operator metrics of a dataflow. A nil *metrics is valid and records nothing.
type metrics struct {
	steps     *prometheus.CounterVec
	deltas    *prometheus.CounterVec
	rounds    *prometheus.HistogramVec
	anomalies *prometheus.CounterVec
}

func newMetrics(name string, reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_operator_steps_total",
			Help: "Total operator invocations, one per epoch or loop round",
		}, []string{"dataflow", "operator", "kind"}),
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_deltas_emitted_total",
			Help: "Total deltas emitted by operator",
		}, []string{"dataflow", "operator", "kind"}),
		rounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataflow_loop_rounds",
			Help:    "Number of rounds a loop needed to reach its fixpoint in an epoch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512 rounds
		}, []string{"dataflow", "loop"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_anomalies_total",
			Help: "Total negative multiplicities detected at finalized epochs",
		}, []string{"dataflow", "operator"}),
	}

	var err error
	m.steps, err = register(reg, m.steps)
	if err != nil {
		return nil, err
	}
	m.deltas, err = register(reg, m.deltas)
	if err != nil {
		return nil, err
	}
	m.rounds, err = register(reg, m.rounds)
	if err != nil {
		return nil, err
	}
	m.anomalies, err = register(reg, m.anomalies)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// register registers a collector, reusing the collector already registered under the same name
// so that several dataflows can share a registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		are := prometheus.AlreadyRegisteredError{}
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) processed(n *node, deltas int) {
	if m == nil {
		return
	}
	df, kind := n.scope.df.name, n.kind.String()
	m.steps.WithLabelValues(df, n.name, kind).Inc()
	m.deltas.WithLabelValues(df, n.name, kind).Add(float64(deltas))
}

func (m *metrics) iterated(n *node, rounds int) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(n.scope.df.name, n.name).Observe(float64(rounds))
}

func (m *metrics) anomaly(dataflow, operator string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(dataflow, operator).Inc()
}
