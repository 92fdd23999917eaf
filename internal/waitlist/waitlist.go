// Package waitlist queues contacts beyond a campaign's concurrent limit and
// promotes them into reservations under weighted round-robin fairness.
package waitlist

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/campaign"
	"github.com/ringflow/dialer/internal/coord"
	"github.com/ringflow/dialer/internal/metrics"
)

// Fairness holds the weighted round-robin ratio between admission classes.
type Fairness struct {
	High   int
	Normal int
}

// Waitlist manages the per-campaign pending queues.
type Waitlist struct {
	rdb      *redis.Client
	fairness Fairness
	logger   zerolog.Logger
}

// New creates a waitlist with the given fairness weights.
func New(rdb *redis.Client, fairness Fairness, logger zerolog.Logger) *Waitlist {
	if fairness.High <= 0 {
		fairness.High = 3
	}
	if fairness.Normal <= 0 {
		fairness.Normal = 1
	}
	return &Waitlist{rdb: rdb, fairness: fairness, logger: logger}
}

// Enqueue appends the job to its priority queue. Returns false when a job
// with the same ID is already waitlisted.
func (w *Waitlist) Enqueue(ctx context.Context, p campaign.JobPayload) (bool, error) {
	k := coord.NewKeys(p.CampaignID)
	jobID := campaign.JobID(p.CampaignID, p.ContactRef, p.RetryCount)

	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("payload marshal failed: %w", err)
	}

	n, err := enqueueScript.Run(ctx, w.rdb,
		[]string{k.WaitlistIndex(), k.Waitlist(string(w.class(p)))},
		jobID, raw,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue failed: %w", err)
	}
	if n == 0 {
		metrics.DuplicateEnqueueTotal.Inc()
		return false, nil
	}
	return true, nil
}

// RequeueFront puts a job back at the head of its queue after a failed
// admission, so it keeps its place in line.
func (w *Waitlist) RequeueFront(ctx context.Context, p campaign.JobPayload) error {
	k := coord.NewKeys(p.CampaignID)
	jobID := campaign.JobID(p.CampaignID, p.ContactRef, p.RetryCount)

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("payload marshal failed: %w", err)
	}

	if err := requeueFrontScript.Run(ctx, w.rdb,
		[]string{k.WaitlistIndex(), k.Waitlist(string(w.class(p)))},
		jobID, raw,
	).Err(); err != nil {
		return fmt.Errorf("requeue failed: %w", err)
	}
	return nil
}

// ReservePromote converts up to batch free slots into reservations, popping
// jobs under the fairness ratio. Returns the promoted payloads in admission
// order, each stamped with its promote sequence number, plus the number of
// not-yet-dialable jobs pushed back.
func (w *Waitlist) ReservePromote(ctx context.Context, campaignID string, batch int) ([]campaign.JobPayload, int, error) {
	k := coord.NewKeys(campaignID)

	res, err := reservePromoteScript.Run(ctx, w.rdb,
		[]string{
			k.Waitlist(string(campaign.PriorityHigh)),
			k.Waitlist(string(campaign.PriorityNormal)),
			k.WaitlistIndex(),
			k.Leases(),
			k.Reserved(),
			k.Limit(),
			k.Ledger(),
			k.Fairness(),
			k.PromoteSeq(),
		},
		batch, time.Now().UnixMilli(), w.fairness.High, w.fairness.Normal,
	).Slice()
	if err != nil {
		return nil, 0, fmt.Errorf("reserve-promote failed: %w", err)
	}
	if len(res) < 2 {
		return nil, 0, fmt.Errorf("reserve-promote returned short reply: %d elements", len(res))
	}

	taken, err := scriptInt(res[0])
	if err != nil {
		return nil, 0, err
	}
	pushedBack, err := scriptInt(res[1])
	if err != nil {
		return nil, 0, err
	}

	promoted := make([]campaign.JobPayload, 0, taken)
	for _, item := range res[2:] {
		raw, ok := item.(string)
		if !ok {
			continue
		}
		var p campaign.JobPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			w.logger.Warn().Err(err).Str("campaign_id", campaignID).Msg("dropping undecodable promoted payload")
			continue
		}
		promoted = append(promoted, p)
	}
	if pushedBack > 0 {
		metrics.PromotePushbackTotal.Add(float64(pushedBack))
	}
	return promoted, pushedBack, nil
}

// Depths reports queue lengths per class and refreshes the depth gauges.
func (w *Waitlist) Depths(ctx context.Context, campaignID string) (high, normal int64, err error) {
	k := coord.NewKeys(campaignID)

	high, err = w.rdb.LLen(ctx, k.Waitlist(string(campaign.PriorityHigh))).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("waitlist depth failed: %w", err)
	}
	normal, err = w.rdb.LLen(ctx, k.Waitlist(string(campaign.PriorityNormal))).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("waitlist depth failed: %w", err)
	}
	metrics.WaitlistDepth.WithLabelValues(campaignID, string(campaign.PriorityHigh)).Set(float64(high))
	metrics.WaitlistDepth.WithLabelValues(campaignID, string(campaign.PriorityNormal)).Set(float64(normal))
	return high, normal, nil
}

// RebuildIndex reconciles the membership index with the actual queue
// contents. The index is a denormalization that can drift after partial
// failures; the queues remain the source of truth.
func (w *Waitlist) RebuildIndex(ctx context.Context, campaignID string) (int64, error) {
	k := coord.NewKeys(campaignID)

	ids := make([]interface{}, 0, 64)
	for _, p := range []campaign.Priority{campaign.PriorityHigh, campaign.PriorityNormal} {
		items, err := w.rdb.LRange(ctx, k.Waitlist(string(p)), 0, -1).Result()
		if err != nil {
			return 0, fmt.Errorf("waitlist scan failed: %w", err)
		}
		for _, raw := range items {
			var payload campaign.JobPayload
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				continue
			}
			ids = append(ids, campaign.JobID(payload.CampaignID, payload.ContactRef, payload.RetryCount))
		}
	}

	pipe := w.rdb.TxPipeline()
	pipe.Del(ctx, k.WaitlistIndex())
	if len(ids) > 0 {
		pipe.SAdd(ctx, k.WaitlistIndex(), ids...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("index rebuild failed: %w", err)
	}
	metrics.WaitlistRebuiltTotal.Inc()
	return int64(len(ids)), nil
}

func (w *Waitlist) class(p campaign.JobPayload) campaign.Priority {
	if p.Priority == campaign.PriorityHigh {
		return campaign.PriorityHigh
	}
	return campaign.PriorityNormal
}

func scriptInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("unexpected script reply %q: %w", t, err)
		}
		return n, nil
	case int64:
		return int(t), nil
	default:
		return 0, fmt.Errorf("unexpected script reply type %T", v)
	}
}
