// Package promoter moves waitlisted contacts into the broker whenever slots
// free up. At most one pass runs per campaign at a time, across all
// replicas, enforced by a short-lived gate key.
package promoter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/breaker"
	"github.com/ringflow/dialer/internal/broker"
	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/campaign"
	"github.com/ringflow/dialer/internal/coldstart"
	"github.com/ringflow/dialer/internal/coord"
	"github.com/ringflow/dialer/internal/metrics"
	"github.com/ringflow/dialer/internal/waitlist"
)

// releaseGateScript frees the gate iff this instance still holds it.
//
// KEYS: gate
// ARGV: holder
var releaseGateScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// CampaignSource supplies campaign state for promotion decisions.
type CampaignSource interface {
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	CampaignIDs(ctx context.Context, states ...campaign.State) ([]string, error)
}

// Config tunes the promoter.
type Config struct {
	GateTTL  time.Duration
	Interval time.Duration
}

// Promoter drives reservation and broker handoff for all campaigns.
type Promoter struct {
	rdb       *redis.Client
	wl        *waitlist.Waitlist
	brk       *breaker.Breaker
	guard     *coldstart.Guard
	queue     *broker.Broker
	campaigns CampaignSource
	cfg       Config
	holder    string
	logger    zerolog.Logger
	wake      chan string
	// onEnqueued fires after a pass handed jobs to the broker, so the
	// dispatch worker can poll immediately.
	onEnqueued func()
}

// New creates a promoter. The holder ID makes gate ownership attributable
// in a multi-replica deployment.
func New(rdb *redis.Client, wl *waitlist.Waitlist, brk *breaker.Breaker, guard *coldstart.Guard, queue *broker.Broker, campaigns CampaignSource, cfg Config, logger zerolog.Logger) *Promoter {
	if cfg.GateTTL <= 0 {
		cfg.GateTTL = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &Promoter{
		rdb:       rdb,
		wl:        wl,
		brk:       brk,
		guard:     guard,
		queue:     queue,
		campaigns: campaigns,
		cfg:       cfg,
		holder:    uuid.NewString(),
		logger:    logger,
		wake:      make(chan string, 64),
	}
}

// OnEnqueued registers a hook fired after jobs reach the broker.
func (p *Promoter) OnEnqueued(fn func()) {
	p.onEnqueued = fn
}

// Wake requests a prompt pass for one campaign. Non-blocking; a full wake
// buffer is fine because the ticker covers missed signals.
func (p *Promoter) Wake(campaignID string) {
	select {
	case p.wake <- campaignID:
	default:
	}
}

// Pass runs one promotion attempt for a campaign. Gate contention and
// blocked cold start are normal outcomes, not errors.
func (p *Promoter) Pass(ctx context.Context, campaignID string) error {
	c, err := p.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, callstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("campaign load failed: %w", err)
	}
	if !c.State.AllowsPromotion() {
		return nil
	}

	k := coord.NewKeys(campaignID)
	held, err := p.rdb.SetNX(ctx, k.PromoteGate(), p.holder, p.cfg.GateTTL).Result()
	if err != nil {
		return fmt.Errorf("gate acquire failed: %w", err)
	}
	if !held {
		metrics.PromoterConflictTotal.Inc()
		return nil
	}
	defer func() {
		if err := releaseGateScript.Run(context.WithoutCancel(ctx), p.rdb,
			[]string{k.PromoteGate()}, p.holder).Err(); err != nil {
			p.logger.Warn().Err(err).Str("campaign_id", campaignID).Msg("gate release failed")
		}
	}()

	ready, err := p.guard.EnsureReady(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("cold-start check failed: %w", err)
	}
	if !ready {
		return nil
	}

	batch, err := p.brk.BatchSize(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("batch size failed: %w", err)
	}

	promoted, _, err := p.wl.ReservePromote(ctx, campaignID, batch)
	if err != nil {
		return fmt.Errorf("reserve-promote failed: %w", err)
	}
	if len(promoted) == 0 {
		return nil
	}

	enqueued := 0
	for _, payload := range promoted {
		raw, err := json.Marshal(payload)
		if err != nil {
			p.logger.Error().Err(err).Str("campaign_id", campaignID).Msg("payload marshal failed")
			continue
		}
		jobID := campaign.JobID(payload.CampaignID, payload.ContactRef, payload.RetryCount)
		added, err := p.queue.Enqueue(ctx, jobID, raw, 0)
		if err != nil {
			// The reservation stays in the ledger; the janitor reaps it
			// once its job never materializes.
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("broker enqueue failed")
			continue
		}
		if !added {
			p.logger.Warn().Str("job_id", jobID).Msg("broker rejected promoted job as duplicate")
			continue
		}
		metrics.PromotedTotal.WithLabelValues(string(payload.Priority)).Inc()
		enqueued++
	}

	if _, _, err := p.wl.Depths(ctx, campaignID); err != nil {
		p.logger.Warn().Err(err).Str("campaign_id", campaignID).Msg("depth refresh failed")
	}
	if enqueued > 0 {
		p.logger.Debug().Str("campaign_id", campaignID).Int("enqueued", enqueued).Msg("promotion pass complete")
		if p.onEnqueued != nil {
			p.onEnqueued()
		}
	}
	return nil
}

// Run drives passes until the context is cancelled: a steady ticker over all
// promotable campaigns, slot-available wakeups, and explicit Wake calls.
func (p *Promoter) Run(ctx context.Context) error {
	sub := p.rdb.PSubscribe(ctx, "campaign:*:slot-available")
	defer sub.Close()
	msgs := sub.Channel()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.cfg.Interval).Msg("promoter started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("promoter stopped")
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("slot-available subscription closed")
			}
			if cid := campaignFromChannel(msg.Channel); cid != "" {
				p.pass(ctx, cid)
			}
		case cid := <-p.wake:
			p.pass(ctx, cid)
		}
	}
}

func (p *Promoter) sweep(ctx context.Context) {
	ids, err := p.campaigns.CampaignIDs(ctx, campaign.StateActive)
	if err != nil {
		p.logger.Warn().Err(err).Msg("campaign sweep failed")
		return
	}
	for _, id := range ids {
		p.pass(ctx, id)
	}
}

func (p *Promoter) pass(ctx context.Context, campaignID string) {
	if err := p.Pass(ctx, campaignID); err != nil {
		p.logger.Warn().Err(err).Str("campaign_id", campaignID).Msg("promotion pass failed")
	}
}

// campaignFromChannel extracts the campaign ID from a slot-available
// channel name.
func campaignFromChannel(channel string) string {
	rest, ok := strings.CutPrefix(channel, "campaign:")
	if !ok {
		return ""
	}
	cid, ok := strings.CutSuffix(rest, ":slot-available")
	if !ok {
		return ""
	}
	return cid
}
