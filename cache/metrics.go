package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	invocations    *prometheus.CounterVec
	failures       *prometheus.CounterVec
	routingRetries prometheus.Counter
}

func newMetrics(name string) *metrics {
	labels := prometheus.Labels{"cache": name}

	return &metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "plover",
			Subsystem:   "cache",
			Name:        "invocations_total",
			Help:        "Processor invocations, by execution mode",
			ConstLabels: labels,
		}, []string{"mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "plover",
			Subsystem:   "cache",
			Name:        "failures_total",
			Help:        "Failed invocations, by kind of failure",
			ConstLabels: labels,
		}, []string{"kind"}),
		routingRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "plover",
			Subsystem:   "cache",
			Name:        "routing_retries_total",
			Help:        "Keys resubmitted after a routing failure",
			ConstLabels: labels,
		}),
	}
}

func (m *metrics) register(registerer prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{m.invocations, m.failures, m.routingRetries} {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func (m *metrics) observe(mode string, outcome Outcome) {
	m.invocations.WithLabelValues(mode).Inc()

	if outcome.Kind != OutcomeFailure {
		return
	}

	var kind string

	switch outcome.Err.(type) {
	case *ProcessorError:
		kind = "processor"
	case *SideEffectError:
		kind = "side_effect"
	case *RoutingError:
		kind = "routing"
	default:
		kind = "system"
	}

	m.failures.WithLabelValues(kind).Inc()
}
