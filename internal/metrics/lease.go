// Package metrics exposes Prometheus instrumentation for the dialer core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LeaseAcquireTotal tracks pre-dial admission attempts by outcome.
	LeaseAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_lease_acquire_total",
		Help: "Pre-dial lease acquisition attempts by outcome",
	}, []string{"outcome"})

	// LeaseUpgradeTotal tracks pre-dial to active upgrades by outcome.
	LeaseUpgradeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_lease_upgrade_total",
		Help: "Lease upgrade attempts by outcome",
	}, []string{"outcome"})

	// LeaseReleaseTotal tracks releases by path (token, force) and outcome.
	LeaseReleaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_lease_release_total",
		Help: "Lease releases by path and outcome",
	}, []string{"path", "outcome"})

	// LeasesInFlight reflects the last observed cardinality of a campaign's lease set.
	LeasesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialer_leases_in_flight",
		Help: "Observed occupied slots per campaign",
	}, []string{"campaign"})
)

// RecordLeaseAcquire records a pre-dial acquisition outcome.
func RecordLeaseAcquire(granted bool) {
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	LeaseAcquireTotal.WithLabelValues(outcome).Inc()
}

// RecordLeaseUpgrade records an upgrade outcome.
func RecordLeaseUpgrade(ok bool) {
	outcome := "lost_race"
	if ok {
		outcome = "upgraded"
	}
	LeaseUpgradeTotal.WithLabelValues(outcome).Inc()
}

// RecordLeaseRelease records a release outcome on the given path.
func RecordLeaseRelease(path string, released bool) {
	outcome := "noop"
	if released {
		outcome = "released"
	}
	LeaseReleaseTotal.WithLabelValues(path, outcome).Inc()
}

// SetLeasesInFlight updates the per-campaign occupancy gauge.
func SetLeasesInFlight(campaignID string, n float64) {
	LeasesInFlight.WithLabelValues(campaignID).Set(n)
}
