package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal tracks dispatch job outcomes.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_dispatch_total",
		Help: "Dispatch job outcomes",
	}, []string{"outcome"})

	// DuplicateEnqueueTotal counts enqueues rejected by the waitlist membership index.
	DuplicateEnqueueTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_duplicate_enqueue_total",
		Help: "Waitlist enqueues rejected because the job was already queued",
	})

	// GateHardSyncTotal counts unconditional admissions after repeated gate violations.
	GateHardSyncTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_gate_hard_sync_total",
		Help: "Hard-sync admissions after repeated promote-gate violations",
	})

	// GateViolationTotal counts jobs that arrived without a promote sequence.
	GateViolationTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_gate_violation_total",
		Help: "Broker jobs missing a promote sequence",
	})

	// TelephonyCreateDuration measures provider create-call latency.
	TelephonyCreateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dialer_telephony_create_duration_seconds",
		Help:    "Telephony create-call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// RecordDispatch records a dispatch outcome.
func RecordDispatch(outcome string) {
	DispatchTotal.WithLabelValues(outcome).Inc()
}

// ObserveTelephonyCreate records create-call latency.
func ObserveTelephonyCreate(d time.Duration) {
	TelephonyCreateDuration.Observe(d.Seconds())
}
