// Package lease implements atomic slot admission for campaigns: pre-dial
// acquisition, upgrade to active, renewal, and release. The lease set plus
// the reserved counter are the single source of truth for occupancy.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/coord"
	"github.com/ringflow/dialer/internal/metrics"
)

// Config holds lease lifetimes.
type Config struct {
	PreDialTTL    time.Duration
	PreDialTTLMax time.Duration
	ActiveTTL     time.Duration
}

// Manager performs lease operations against the coordination store.
// Contention is reported through the ok return, never as an error.
type Manager struct {
	rdb    *redis.Client
	cfg    Config
	logger zerolog.Logger
}

// NewManager creates a lease manager.
func NewManager(rdb *redis.Client, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{rdb: rdb, cfg: cfg, logger: logger}
}

// AcquirePre reserves a slot for callID before the telephony call is placed.
// limit seeds the campaign limit key if it does not exist yet.
func (m *Manager) AcquirePre(ctx context.Context, campaignID, callID string, limit int) (string, bool, error) {
	k := coord.NewKeys(campaignID)
	member := coord.PreMember(callID)
	token := newToken()

	res, err := acquirePreScript.Run(ctx, m.rdb,
		[]string{k.Limit(), k.Leases(), k.Reserved(), k.Lease(member), k.LeaseCap(member)},
		member, token, m.cfg.PreDialTTL.Milliseconds(), m.cfg.PreDialTTLMax.Milliseconds(), limit,
	).Text()
	if err != nil {
		return "", false, fmt.Errorf("acquire-pre failed: %w", err)
	}
	granted := res != ""
	metrics.RecordLeaseAcquire(granted)
	if !granted {
		return "", false, nil
	}
	return token, true, nil
}

// ForceAcquirePre admits callID without consulting the limit. One-shot
// hard-sync for gate-violation jobs whose normal admission kept failing;
// the janitor's occupancy check surfaces any overshoot.
func (m *Manager) ForceAcquirePre(ctx context.Context, campaignID, callID string) (string, error) {
	k := coord.NewKeys(campaignID)
	member := coord.PreMember(callID)
	token := newToken()

	if err := forceAcquirePreScript.Run(ctx, m.rdb,
		[]string{k.Leases(), k.Lease(member), k.LeaseCap(member)},
		member, token, m.cfg.PreDialTTL.Milliseconds(), m.cfg.PreDialTTLMax.Milliseconds(),
	).Err(); err != nil {
		return "", fmt.Errorf("force-acquire-pre failed: %w", err)
	}
	metrics.RecordLeaseAcquire(true)
	return token, nil
}

// Upgrade swaps the pre-dial lease for an active lease once telephony has
// accepted the call. If the active lease already exists for callID, the
// stored token is returned and the call reads as success.
func (m *Manager) Upgrade(ctx context.Context, campaignID, callID, preToken string) (string, bool, error) {
	k := coord.NewKeys(campaignID)
	preMember := coord.PreMember(callID)
	token := newToken()

	res, err := upgradeScript.Run(ctx, m.rdb,
		[]string{k.Leases(), k.Lease(preMember), k.LeaseCap(preMember), k.Lease(callID)},
		preMember, callID, preToken, token, m.cfg.ActiveTTL.Milliseconds(),
	).Text()
	if err != nil {
		return "", false, fmt.Errorf("upgrade failed: %w", err)
	}
	ok := res != ""
	metrics.RecordLeaseUpgrade(ok)
	if !ok {
		return "", false, nil
	}
	return res, true, nil
}

// Release frees the slot held by callID iff token matches. When publish is
// set and the slot was freed, a slot-available wakeup is published.
func (m *Manager) Release(ctx context.Context, campaignID, callID, token string, preDial, publish bool) (bool, error) {
	k := coord.NewKeys(campaignID)
	member := callID
	if preDial {
		member = coord.PreMember(callID)
	}

	n, err := releaseScript.Run(ctx, m.rdb,
		[]string{k.Leases(), k.Lease(member), k.LeaseCap(member)},
		member, token,
	).Int()
	if err != nil {
		return false, fmt.Errorf("release failed: %w", err)
	}
	released := n == 1
	metrics.RecordLeaseRelease("token", released)
	if released && publish {
		m.publishSlotAvailable(ctx, k)
	}
	return released, nil
}

// ForceRelease frees the slot for callID without a token, trying the active
// member first and falling back to the pre-dial member. Used by webhook and
// stream-end paths where the original token is unknown.
func (m *Manager) ForceRelease(ctx context.Context, campaignID, callID string, publish bool) (bool, error) {
	k := coord.NewKeys(campaignID)
	preMember := coord.PreMember(callID)

	n, err := forceReleaseScript.Run(ctx, m.rdb,
		[]string{k.Leases(), k.Lease(callID), k.Lease(preMember), k.LeaseCap(preMember)},
		callID, preMember,
	).Int()
	if err != nil {
		return false, fmt.Errorf("force-release failed: %w", err)
	}
	released := n == 1
	metrics.RecordLeaseRelease("force", released)
	if released && publish {
		m.publishSlotAvailable(ctx, k)
	}
	return released, nil
}

// Renew extends the lease TTL iff token matches. The recovered sentinel is
// accepted only while the campaign's cold-start flag is blocking.
func (m *Manager) Renew(ctx context.Context, campaignID, callID, token string, preDial bool) (bool, error) {
	k := coord.NewKeys(campaignID)
	member := callID
	ttl := m.cfg.ActiveTTL
	if preDial {
		member = coord.PreMember(callID)
		ttl = m.cfg.PreDialTTL
	}

	n, err := renewScript.Run(ctx, m.rdb,
		[]string{k.Lease(member), k.ColdStart()},
		token, ttl.Milliseconds(), RecoveredToken,
	).Int()
	if err != nil {
		return false, fmt.Errorf("renew failed: %w", err)
	}
	return n == 1, nil
}

// RenewPreCapped extends a pre-dial lease but never beyond the hard cap set
// at acquisition.
func (m *Manager) RenewPreCapped(ctx context.Context, campaignID, callID, token string) (bool, error) {
	k := coord.NewKeys(campaignID)
	member := coord.PreMember(callID)

	n, err := renewPreCappedScript.Run(ctx, m.rdb,
		[]string{k.Lease(member), k.LeaseCap(member)},
		token, m.cfg.PreDialTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("renew-pre-capped failed: %w", err)
	}
	return n == 1, nil
}

// Occupancy reports card(leases), reserved, and limit for a campaign.
func (m *Manager) Occupancy(ctx context.Context, campaignID string) (leases, reserved, limit int64, err error) {
	k := coord.NewKeys(campaignID)

	leases, err = m.rdb.SCard(ctx, k.Leases()).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("occupancy scard failed: %w", err)
	}
	reserved, err = m.rdb.Get(ctx, k.Reserved()).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, 0, fmt.Errorf("occupancy reserved failed: %w", err)
	}
	if reserved < 0 {
		reserved = 0
	}
	limit, err = m.rdb.Get(ctx, k.Limit()).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, 0, fmt.Errorf("occupancy limit failed: %w", err)
	}
	metrics.SetLeasesInFlight(campaignID, float64(leases))
	return leases, reserved, limit, nil
}

func (m *Manager) publishSlotAvailable(ctx context.Context, k coord.Keys) {
	if err := m.rdb.Publish(ctx, k.SlotAvailableChannel(), "1").Err(); err != nil {
		m.logger.Warn().Err(err).Str("campaign_id", k.CampaignID).Msg("slot-available publish failed")
	}
}
