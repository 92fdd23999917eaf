// Package breaker throttles promotion for campaigns whose telephony calls
// keep failing. Failures land in a sliding-window sorted set; crossing the
// threshold opens the breaker for a cooldown, during which promotion batches
// shrink instead of stopping outright.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/coord"
	"github.com/ringflow/dialer/internal/metrics"
)

// recordFailureScript trims the window, records the failure, and opens the
// breaker when the threshold is crossed. Returns 1 when this call tripped it.
// The failure key must survive the whole window even when the cooldown is
// shorter; the ZREMRANGEBYSCORE trim alone enforces the window bound.
//
// KEYS: failures, circuit
// ARGV: nowMs, windowStartMs, threshold, cooldownMs, member, retainMs
var recordFailureScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
local n = redis.call('ZCARD', KEYS[1])
if n >= tonumber(ARGV[3]) then
  if redis.call('EXISTS', KEYS[2]) == 0 then
    redis.call('SET', KEYS[2], '1', 'PX', ARGV[4])
    return 1
  end
end
return 0
`)

// Config tunes the breaker.
type Config struct {
	Threshold    int
	Window       time.Duration
	Cooldown     time.Duration
	DefaultBatch int
}

// Breaker tracks telephony failure rates per campaign.
type Breaker struct {
	rdb    *redis.Client
	cfg    Config
	logger zerolog.Logger
}

// New creates a breaker.
func New(rdb *redis.Client, cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.DefaultBatch <= 0 {
		cfg.DefaultBatch = 20
	}
	return &Breaker{rdb: rdb, cfg: cfg, logger: logger}
}

// RecordFailure adds a failure to the campaign's window. Returns true when
// this failure opened the breaker.
func (b *Breaker) RecordFailure(ctx context.Context, campaignID, callID string) (bool, error) {
	k := coord.NewKeys(campaignID)
	now := time.Now()

	retain := b.cfg.Window
	if b.cfg.Cooldown > retain {
		retain = b.cfg.Cooldown
	}

	// The member carries the call ID so the same failure reported twice
	// does not count twice.
	tripped, err := recordFailureScript.Run(ctx, b.rdb,
		[]string{k.CircuitFailures(), k.Circuit()},
		now.UnixMilli(),
		now.Add(-b.cfg.Window).UnixMilli(),
		b.cfg.Threshold,
		b.cfg.Cooldown.Milliseconds(),
		callID,
		retain.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("breaker record failed: %w", err)
	}
	if tripped == 1 {
		b.logger.Warn().Str("campaign_id", campaignID).
			Int("threshold", b.cfg.Threshold).Dur("cooldown", b.cfg.Cooldown).
			Msg("circuit breaker opened")
		metrics.RecordCircuitBreakerTrip(campaignID)
		metrics.SetCircuitBreakerOpen(campaignID, true)
		return true, nil
	}
	return false, nil
}

// RecordSuccess closes the breaker and clears the failure window. A single
// successful call is taken as proof the provider recovered.
func (b *Breaker) RecordSuccess(ctx context.Context, campaignID string) error {
	k := coord.NewKeys(campaignID)
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, k.Circuit())
	pipe.Del(ctx, k.CircuitFailures())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("breaker reset failed: %w", err)
	}
	metrics.SetCircuitBreakerOpen(campaignID, false)
	return nil
}

// IsOpen reports whether the breaker is open. The open marker carries its
// own TTL, so expiry alone closes the breaker.
func (b *Breaker) IsOpen(ctx context.Context, campaignID string) (bool, error) {
	k := coord.NewKeys(campaignID)
	n, err := b.rdb.Exists(ctx, k.Circuit()).Result()
	if err != nil {
		return false, fmt.Errorf("breaker check failed: %w", err)
	}
	open := n == 1
	metrics.SetCircuitBreakerOpen(campaignID, open)
	return open, nil
}

// BatchSize returns the promotion batch for the campaign: the default while
// closed, a quarter (at least one) while open. Probing with a trickle lets a
// recovered provider close the breaker through RecordSuccess.
func (b *Breaker) BatchSize(ctx context.Context, campaignID string) (int, error) {
	open, err := b.IsOpen(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !open {
		return b.cfg.DefaultBatch, nil
	}
	reduced := b.cfg.DefaultBatch / 4
	if reduced < 1 {
		reduced = 1
	}
	return reduced, nil
}
