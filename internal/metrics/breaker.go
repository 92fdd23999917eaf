package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CircuitBreakerState reflects the breaker state per campaign (0 closed, 1 open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialer_circuit_breaker_open",
		Help: "Circuit breaker state per campaign (1 = open)",
	}, []string{"campaign"})

	// CircuitBreakerTrips counts breaker openings per campaign.
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_circuit_breaker_trips_total",
		Help: "Circuit breaker openings per campaign",
	}, []string{"campaign"})
)

// SetCircuitBreakerOpen updates the breaker state gauge.
func SetCircuitBreakerOpen(campaignID string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	CircuitBreakerState.WithLabelValues(campaignID).Set(v)
}

// RecordCircuitBreakerTrip records a breaker opening.
func RecordCircuitBreakerTrip(campaignID string) {
	CircuitBreakerTrips.WithLabelValues(campaignID).Inc()
}
