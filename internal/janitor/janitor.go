// Package janitor repairs the coordination store: lease-set members whose
// keys expired, reservations whose jobs vanished, drifted waitlist indexes,
// and leftover cold-start sentinels. Every repair is idempotent; running the
// janitor twice is never worse than once.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/broker"
	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/campaign"
	"github.com/ringflow/dialer/internal/coldstart"
	"github.com/ringflow/dialer/internal/coord"
	"github.com/ringflow/dialer/internal/lease"
	"github.com/ringflow/dialer/internal/ledger"
	"github.com/ringflow/dialer/internal/metrics"
	"github.com/ringflow/dialer/internal/waitlist"
)

// reapMemberScript removes a lease-set member iff its key is still gone, so
// a lease re-acquired between scan and repair survives.
//
// KEYS: leases, leaseKey
// ARGV: member
var reapMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
return redis.call('SREM', KEYS[1], ARGV[1])
`)

// CampaignSource lists campaigns worth sweeping.
type CampaignSource interface {
	CampaignIDs(ctx context.Context, states ...campaign.State) ([]string, error)
}

// CallSource lists the calls the durable store still considers live.
type CallSource interface {
	ActiveCalls(ctx context.Context, campaignID string) ([]callstore.Call, error)
}

// Config tunes the janitor.
type Config struct {
	Interval       time.Duration
	ReservationTTL time.Duration
}

// Janitor runs the periodic repair sweep.
type Janitor struct {
	rdb       *redis.Client
	leases    *lease.Manager
	led       *ledger.Ledger
	wl        *waitlist.Waitlist
	guard     *coldstart.Guard
	queue     *broker.Broker
	campaigns CampaignSource
	calls     CallSource
	cfg       Config
	logger    zerolog.Logger
}

// New creates a janitor.
func New(rdb *redis.Client, leases *lease.Manager, led *ledger.Ledger, wl *waitlist.Waitlist, guard *coldstart.Guard, queue *broker.Broker, campaigns CampaignSource, calls CallSource, cfg Config, logger zerolog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = time.Minute
	}
	return &Janitor{
		rdb:       rdb,
		leases:    leases,
		led:       led,
		wl:        wl,
		guard:     guard,
		queue:     queue,
		campaigns: campaigns,
		calls:     calls,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run sweeps until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info().Dur("interval", j.cfg.Interval).Msg("janitor started")
	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("janitor stopped")
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one full repair pass.
func (j *Janitor) Sweep(ctx context.Context) {
	ids, err := j.campaigns.CampaignIDs(ctx, campaign.StateActive, campaign.StatePaused)
	if err != nil {
		j.logger.Warn().Err(err).Msg("campaign list failed")
		return
	}
	for _, id := range ids {
		j.SweepCampaign(ctx, id)
	}

	if _, err := j.queue.PruneSeen(ctx); err != nil {
		j.logger.Warn().Err(err).Msg("broker prune failed")
	}
	if _, _, err := j.queue.Depth(ctx); err != nil {
		j.logger.Warn().Err(err).Msg("broker depth refresh failed")
	}
}

// SweepCampaign repairs one campaign's coordination state.
func (j *Janitor) SweepCampaign(ctx context.Context, campaignID string) {
	log := j.logger.With().Str("campaign_id", campaignID).Logger()

	if n, err := j.renewActiveLeases(ctx, campaignID); err != nil {
		log.Warn().Err(err).Msg("active lease renewal failed")
	} else if n > 0 {
		log.Debug().Int("renewed", n).Msg("active leases renewed")
	}

	if n, err := j.reapExpiredLeases(ctx, campaignID); err != nil {
		log.Warn().Err(err).Msg("expired lease sweep failed")
	} else if n > 0 {
		log.Info().Int("reaped", n).Msg("expired leases reaped")
	}

	if n, err := j.reapOrphanedReservations(ctx, campaignID); err != nil {
		log.Warn().Err(err).Msg("orphaned reservation sweep failed")
	} else if n > 0 {
		log.Info().Int("reaped", n).Msg("orphaned reservations reaped")
	}

	if err := j.repairWaitlistIndex(ctx, campaignID); err != nil {
		log.Warn().Err(err).Msg("waitlist index repair failed")
	}

	if _, err := j.guard.ReapRecovered(ctx, campaignID); err != nil {
		log.Warn().Err(err).Msg("sentinel reap failed")
	}

	j.checkOccupancy(ctx, log, campaignID)
}

// renewActiveLeases extends the active lease of every call the durable
// store still considers live. Providers report status transitions only, so
// a long quiet call would otherwise lose its slot to TTL expiry. Runs
// before the expired-lease reaper so a near-expiry live lease is saved, not
// reaped.
func (j *Janitor) renewActiveLeases(ctx context.Context, campaignID string) (int, error) {
	calls, err := j.calls.ActiveCalls(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("active calls load failed: %w", err)
	}

	renewed := 0
	for _, call := range calls {
		// Pre-dial leases stay capped; sentinel tokens are the guard's to reap.
		if call.ActiveToken == "" || call.ActiveToken == lease.RecoveredToken {
			continue
		}
		ok, err := j.leases.Renew(ctx, campaignID, call.ID, call.ActiveToken, false)
		if err != nil {
			return renewed, err
		}
		if ok {
			renewed++
		}
	}
	if renewed > 0 {
		metrics.ActiveLeasesRenewed.Add(float64(renewed))
	}
	return renewed, nil
}

// reapExpiredLeases removes set members whose lease key expired and signals
// the freed slots.
func (j *Janitor) reapExpiredLeases(ctx context.Context, campaignID string) (int, error) {
	k := coord.NewKeys(campaignID)

	members, err := j.rdb.SMembers(ctx, k.Leases()).Result()
	if err != nil {
		return 0, fmt.Errorf("lease scan failed: %w", err)
	}

	reaped := 0
	for _, member := range members {
		n, err := reapMemberScript.Run(ctx, j.rdb,
			[]string{k.Leases(), k.Lease(member)}, member).Int()
		if err != nil {
			return reaped, fmt.Errorf("lease reap failed: %w", err)
		}
		reaped += n
	}
	if reaped > 0 {
		metrics.ExpiredLeasesRecovered.Add(float64(reaped))
		if err := j.rdb.Publish(ctx, k.SlotAvailableChannel(), "1").Err(); err != nil {
			j.logger.Warn().Err(err).Str("campaign_id", campaignID).Msg("slot-available publish failed")
		}
	}
	return reaped, nil
}

// reapOrphanedReservations drops aged ledger entries whose broker job no
// longer exists. Entries with a live job are left alone: the claim is still
// coming.
func (j *Janitor) reapOrphanedReservations(ctx context.Context, campaignID string) (int, error) {
	cutoff := time.Now().Add(-j.cfg.ReservationTTL)
	entries, err := j.led.Entries(ctx, campaignID, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, e := range entries {
		_, jobID, ok := ledger.ParseMember(e.Member)
		if !ok {
			// Unparseable entries only block slots; drop them.
			metrics.RecordInvariantViolation("ledger_member")
		} else {
			has, err := j.queue.Has(ctx, jobID)
			if err != nil {
				return reaped, err
			}
			if has {
				continue
			}
		}
		removed, err := j.led.Remove(ctx, campaignID, e.Member)
		if err != nil {
			return reaped, err
		}
		if removed {
			reaped++
		}
	}
	if reaped > 0 {
		metrics.OrphanedReservationsRecovered.Add(float64(reaped))
	}
	return reaped, nil
}

// repairWaitlistIndex rebuilds the membership index when its size disagrees
// with the queues.
func (j *Janitor) repairWaitlistIndex(ctx context.Context, campaignID string) error {
	k := coord.NewKeys(campaignID)

	high, normal, err := j.wl.Depths(ctx, campaignID)
	if err != nil {
		return err
	}
	indexed, err := j.rdb.SCard(ctx, k.WaitlistIndex()).Result()
	if err != nil {
		return err
	}
	if indexed == high+normal {
		return nil
	}

	j.logger.Warn().Str("campaign_id", campaignID).
		Int64("indexed", indexed).Int64("queued", high+normal).
		Msg("waitlist index drift, rebuilding")
	metrics.RecordInvariantViolation("waitlist_index")
	_, err = j.wl.RebuildIndex(ctx, campaignID)
	return err
}

// checkOccupancy flags campaigns whose occupancy exceeds the limit. The
// scripts make this impossible; seeing it means operator surgery or a bug.
func (j *Janitor) checkOccupancy(ctx context.Context, log zerolog.Logger, campaignID string) {
	k := coord.NewKeys(campaignID)

	card, err := j.rdb.SCard(ctx, k.Leases()).Result()
	if err != nil {
		return
	}
	reserved, err := j.led.Reserved(ctx, campaignID)
	if err != nil {
		return
	}
	limit, err := j.rdb.Get(ctx, k.Limit()).Int64()
	if err != nil || limit <= 0 {
		return
	}
	if card+reserved > limit {
		metrics.RecordInvariantViolation("occupancy")
		log.Error().Int64("leases", card).Int64("reserved", reserved).Int64("limit", limit).
			Msg("occupancy exceeds limit")
	}
}
