package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BrokerEnqueueTotal tracks broker enqueue outcomes.
	BrokerEnqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_broker_enqueue_total",
		Help: "Broker enqueue outcomes",
	}, []string{"outcome"})

	// BrokerConsumeTotal tracks job handling outcomes in the broker worker.
	BrokerConsumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_broker_consume_total",
		Help: "Broker job handling outcomes",
	}, []string{"outcome"})

	// BrokerReadyDepth reflects the last observed ready-queue length.
	BrokerReadyDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dialer_broker_ready_depth",
		Help: "Observed ready-queue length",
	})

	// BrokerDelayedDepth reflects the last observed delayed-set size.
	BrokerDelayedDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dialer_broker_delayed_depth",
		Help: "Observed delayed-set size",
	})
)

// RecordBrokerEnqueue records an enqueue outcome.
func RecordBrokerEnqueue(outcome string) {
	BrokerEnqueueTotal.WithLabelValues(outcome).Inc()
}

// RecordBrokerConsume records a job handling outcome.
func RecordBrokerConsume(outcome string) {
	BrokerConsumeTotal.WithLabelValues(outcome).Inc()
}
