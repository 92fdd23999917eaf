// Package coldstart guards campaigns against double-dialing after a
// coordination-store wipe. While the guard is blocking, promotion is
// suspended and occupancy is reconstructed from the durable call store.
package coldstart

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/coord"
	"github.com/ringflow/dialer/internal/lease"
	"github.com/ringflow/dialer/internal/metrics"
)

const (
	stateBlocking = "blocking"
	stateDone     = "done"
)

// registerScript recreates one lease unless a live one already exists.
//
// KEYS: leases, leaseKey
// ARGV: member, token, ttlMs
var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// reapScript removes one sentinel lease once blocking has lifted.
//
// KEYS: leaseKey, leases, coldStart
// ARGV: member, sentinel, blockingState
var reapScript = redis.NewScript(`
if redis.call('GET', KEYS[3]) == ARGV[3] then
  return 0
end
if redis.call('GET', KEYS[1]) ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return 1
`)

// CallSource lists the calls believed to be holding slots.
type CallSource interface {
	ActiveCalls(ctx context.Context, campaignID string) ([]callstore.Call, error)
}

// Config tunes the guard.
type Config struct {
	Grace         time.Duration // how long blocking may last at most
	DoneTTL       time.Duration // how long the done marker persists
	PreDialTTLMax time.Duration
	ActiveTTL     time.Duration
}

// Guard coordinates cold-start detection and lease reconstruction.
type Guard struct {
	rdb    *redis.Client
	calls  CallSource
	cfg    Config
	logger zerolog.Logger
}

// New creates a guard.
func New(rdb *redis.Client, calls CallSource, cfg Config, logger zerolog.Logger) *Guard {
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.DoneTTL <= 0 {
		cfg.DoneTTL = 24 * time.Hour
	}
	if cfg.PreDialTTLMax <= 0 {
		cfg.PreDialTTLMax = time.Minute
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = 2 * time.Hour
	}
	return &Guard{rdb: rdb, calls: calls, cfg: cfg, logger: logger}
}

// EnsureReady reports whether the campaign may promote. An empty lease set
// with live calls on record means the coordination store lost state: the
// guard turns blocking, rebuilds the leases, and promotion stays suspended
// until an upgrade proves workers are live again or the grace window ends.
func (g *Guard) EnsureReady(ctx context.Context, campaignID string) (bool, error) {
	k := coord.NewKeys(campaignID)

	state, err := g.rdb.Get(ctx, k.ColdStart()).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("cold-start state read failed: %w", err)
	}
	switch state {
	case stateBlocking:
		metrics.ColdStartBlockedTotal.Inc()
		return false, nil
	case stateDone:
		return true, nil
	}

	card, err := g.rdb.SCard(ctx, k.Leases()).Result()
	if err != nil {
		return false, fmt.Errorf("lease card read failed: %w", err)
	}
	if card > 0 {
		// Warm store. Remember it so restarts of this process stay cheap.
		if err := g.rdb.Set(ctx, k.ColdStart(), stateDone, g.cfg.DoneTTL).Err(); err != nil {
			return false, fmt.Errorf("cold-start mark failed: %w", err)
		}
		return true, nil
	}

	live, err := g.calls.ActiveCalls(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("active calls load failed: %w", err)
	}
	if len(live) == 0 {
		if err := g.rdb.Set(ctx, k.ColdStart(), stateDone, g.cfg.DoneTTL).Err(); err != nil {
			return false, fmt.Errorf("cold-start mark failed: %w", err)
		}
		return true, nil
	}

	// Claim the rebuild. Losing the race means another instance is on it.
	claimed, err := g.rdb.SetNX(ctx, k.ColdStart(), stateBlocking, g.cfg.Grace).Result()
	if err != nil {
		return false, fmt.Errorf("cold-start claim failed: %w", err)
	}
	if !claimed {
		metrics.ColdStartBlockedTotal.Inc()
		return false, nil
	}

	rebuilt := 0
	for _, call := range live {
		member, token, ttl := g.leaseFor(call)
		n, err := registerScript.Run(ctx, g.rdb,
			[]string{k.Leases(), k.Lease(member)},
			member, token, ttl.Milliseconds(),
		).Int()
		if err != nil {
			return false, fmt.Errorf("lease rebuild failed: %w", err)
		}
		rebuilt += n
	}

	g.logger.Warn().Str("campaign_id", campaignID).
		Int("live_calls", len(live)).Int("rebuilt", rebuilt).
		Dur("grace", g.cfg.Grace).
		Msg("cold start detected, leases rebuilt from call store")
	metrics.ColdStartBlockedTotal.Inc()
	return false, nil
}

// leaseFor picks member, token, and TTL for a rebuilt lease. Stored tokens
// are reused so surviving workers keep renewing; calls without one get the
// sentinel and live only until the janitor reaps them.
func (g *Guard) leaseFor(call callstore.Call) (member, token string, ttl time.Duration) {
	if call.Status == callstore.CallDialing || call.Status == callstore.CallCreated {
		member = coord.PreMember(call.ID)
		token = call.PreToken
		ttl = g.cfg.PreDialTTLMax
	} else {
		member = call.ID
		token = call.ActiveToken
		ttl = g.cfg.ActiveTTL
	}
	if token == "" {
		token = lease.RecoveredToken
	}
	return member, token, ttl
}

// MarkUpgraded lifts blocking: a successful upgrade proves a live worker is
// driving this campaign again.
func (g *Guard) MarkUpgraded(ctx context.Context, campaignID string) error {
	k := coord.NewKeys(campaignID)
	prev, err := g.rdb.GetSet(ctx, k.ColdStart(), stateDone).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("cold-start unblock failed: %w", err)
	}
	if err := g.rdb.Expire(ctx, k.ColdStart(), g.cfg.DoneTTL).Err(); err != nil {
		return fmt.Errorf("cold-start unblock failed: %w", err)
	}
	if prev == stateBlocking {
		g.logger.Info().Str("campaign_id", campaignID).Msg("cold-start blocking lifted by upgrade")
	}
	return nil
}

// ReapRecovered removes sentinel leases once blocking has lifted. Real
// traffic replaced or released everything still alive; what is left with a
// sentinel token belongs to calls no worker picked back up.
func (g *Guard) ReapRecovered(ctx context.Context, campaignID string) (int, error) {
	k := coord.NewKeys(campaignID)

	members, err := g.rdb.SMembers(ctx, k.Leases()).Result()
	if err != nil {
		return 0, fmt.Errorf("lease scan failed: %w", err)
	}

	reaped := 0
	for _, member := range members {
		val, err := g.rdb.Get(ctx, k.Lease(member)).Result()
		if err == redis.Nil {
			continue // expired key, the janitor's lease sweep handles it
		}
		if err != nil {
			return reaped, fmt.Errorf("lease read failed: %w", err)
		}
		if val != lease.RecoveredToken {
			continue
		}
		n, err := reapScript.Run(ctx, g.rdb,
			[]string{k.Lease(member), k.Leases(), k.ColdStart()},
			member, lease.RecoveredToken, stateBlocking,
		).Int()
		if err != nil {
			return reaped, fmt.Errorf("sentinel reap failed: %w", err)
		}
		reaped += n
	}
	if reaped > 0 {
		metrics.RecoveredLeasesReaped.Add(float64(reaped))
		g.logger.Info().Str("campaign_id", campaignID).Int("reaped", reaped).
			Msg("recovered sentinel leases reaped")
	}
	return reaped, nil
}
