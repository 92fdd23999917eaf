package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PromoterConflictTotal counts promoter passes skipped because the gate was held.
	PromoterConflictTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_promoter_conflict_total",
		Help: "Promoter passes skipped due to single-flight gate contention",
	})

	// PromotedTotal counts contacts admitted from the waitlist by priority class.
	PromotedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_promoted_total",
		Help: "Contacts promoted from the waitlist by priority class",
	}, []string{"priority"})

	// PromotePushbackTotal counts items returned to the waitlist head after failed validity checks.
	PromotePushbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_promote_pushback_total",
		Help: "Waitlist items pushed back during promotion",
	})

	// WaitlistDepth reflects the last observed waitlist depth per campaign and class.
	WaitlistDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialer_waitlist_depth",
		Help: "Observed waitlist depth per campaign and priority class",
	}, []string{"campaign", "priority"})

	// ColdStartBlockedTotal counts promoter passes refused while cold-start was blocking.
	ColdStartBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_cold_start_blocked_total",
		Help: "Promoter passes refused during cold-start blocking",
	})
)
