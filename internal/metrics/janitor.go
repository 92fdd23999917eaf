package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExpiredLeasesRecovered counts lease-set members reaped after TTL expiry.
	ExpiredLeasesRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_expired_leases_recovered_total",
		Help: "Lease set members removed after their lease key expired",
	})

	// OrphanedReservationsRecovered counts ledger entries reaped past reservation TTL.
	OrphanedReservationsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_orphaned_reservations_recovered_total",
		Help: "Reservation ledger entries reaped after expiry",
	})

	// WaitlistRebuiltTotal counts waitlist index rebuilds after divergence.
	WaitlistRebuiltTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_waitlist_rebuilt_total",
		Help: "Waitlist membership index rebuilds after divergence was detected",
	})

	// ActiveLeasesRenewed counts active leases the janitor re-extended for live calls.
	ActiveLeasesRenewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_active_leases_renewed_total",
		Help: "Active leases renewed for calls the durable store reports live",
	})

	// RecoveredLeasesReaped counts cold-start sentinel leases removed after the grace window.
	RecoveredLeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_recovered_leases_reaped_total",
		Help: "Cold-start recovered leases reaped after the grace window",
	})

	// InvariantViolationTotal counts detected data-corruption repairs by kind.
	InvariantViolationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_invariant_violation_total",
		Help: "Detected and repaired invariant violations by kind",
	}, []string{"kind"})
)

// RecordInvariantViolation records a repaired corruption of the given kind.
func RecordInvariantViolation(kind string) {
	InvariantViolationTotal.WithLabelValues(kind).Inc()
}
