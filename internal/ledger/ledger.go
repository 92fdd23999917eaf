// Package ledger tracks promoted-but-not-yet-leased slots. Each reservation
// is a member in a per-campaign sorted set scored by creation time, mirrored
// by the reserved counter that admission checks against.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/campaign"
	"github.com/ringflow/dialer/internal/coord"
)

// claimScript removes ledger members and decrements the reserved counter by
// the number actually removed, clamped at zero. Removal and decrement must
// stay in one round trip so the counter never drifts from the set.
//
// KEYS: ledger, reserved
// ARGV: members...
var claimScript = redis.NewScript(`
local removed = 0
for i = 1, #ARGV do
  removed = removed + redis.call('ZREM', KEYS[1], ARGV[i])
end
if removed > 0 then
  local v = redis.call('DECRBY', KEYS[2], removed)
  if tonumber(v) < 0 then
    redis.call('SET', KEYS[2], 0)
  end
end
return removed
`)

// Entry is one reservation in the ledger.
type Entry struct {
	Member string
	At     time.Time
}

// Ledger manipulates reservation state for campaigns.
type Ledger struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New creates a reservation ledger.
func New(rdb *redis.Client, logger zerolog.Logger) *Ledger {
	return &Ledger{rdb: rdb, logger: logger}
}

// Member encodes a job reservation as a ledger member. The priority prefix
// survives the round trip through the ledger so reaping can tell classes
// apart without loading the job.
func Member(p campaign.Priority, jobID string) string {
	if p == campaign.PriorityHigh {
		return "H:" + jobID
	}
	return "N:" + jobID
}

// ParseMember splits a ledger member back into priority and job ID.
func ParseMember(member string) (campaign.Priority, string, bool) {
	switch {
	case strings.HasPrefix(member, "H:"):
		return campaign.PriorityHigh, member[2:], true
	case strings.HasPrefix(member, "N:"):
		return campaign.PriorityNormal, member[2:], true
	default:
		return "", "", false
	}
}

// Claim consumes the reservation for jobID, trying both priority classes.
// Returns false when no reservation exists, which means either a duplicate
// delivery or a reservation the janitor already reaped.
func (l *Ledger) Claim(ctx context.Context, campaignID, jobID string) (bool, error) {
	k := coord.NewKeys(campaignID)

	n, err := claimScript.Run(ctx, l.rdb,
		[]string{k.Ledger(), k.Reserved()},
		Member(campaign.PriorityHigh, jobID), Member(campaign.PriorityNormal, jobID),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ledger claim failed: %w", err)
	}
	return n > 0, nil
}

// Remove reaps a single ledger member, decrementing reserved alongside.
func (l *Ledger) Remove(ctx context.Context, campaignID, member string) (bool, error) {
	k := coord.NewKeys(campaignID)

	n, err := claimScript.Run(ctx, l.rdb,
		[]string{k.Ledger(), k.Reserved()},
		member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("ledger remove failed: %w", err)
	}
	return n > 0, nil
}

// Entries lists reservations created at or before cutoff, oldest first.
func (l *Ledger) Entries(ctx context.Context, campaignID string, cutoff time.Time) ([]Entry, error) {
	k := coord.NewKeys(campaignID)

	zs, err := l.rdb.ZRangeByScoreWithScores(ctx, k.Ledger(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger range failed: %w", err)
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Member: member, At: time.UnixMilli(int64(z.Score))})
	}
	return entries, nil
}

// Count reports the number of outstanding reservations.
func (l *Ledger) Count(ctx context.Context, campaignID string) (int64, error) {
	k := coord.NewKeys(campaignID)
	n, err := l.rdb.ZCard(ctx, k.Ledger()).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger count failed: %w", err)
	}
	return n, nil
}

// Reserved reads the reserved counter, clamped at zero.
func (l *Ledger) Reserved(ctx context.Context, campaignID string) (int64, error) {
	k := coord.NewKeys(campaignID)
	n, err := l.rdb.Get(ctx, k.Reserved()).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("reserved read failed: %w", err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}
