// Package broker is a small Redis-backed job queue with per-job uniqueness,
// delayed delivery, and bounded retry. Job identity is remembered for a
// retention window so a re-enqueue of an already-processed attempt is
// rejected even after the job itself is gone.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/metrics"
)

// ErrRequeued is returned by a handler that already routed the job's work
// elsewhere. The worker must neither ack nor nack: the job identity has been
// forgotten and any broker bookkeeping would resurrect it.
var ErrRequeued = errors.New("job requeued by handler")

// All broker keys share one hash tag so the scripts stay single-slot.
const (
	keyJobs     = "broker:{dial}:jobs"
	keyReady    = "broker:{dial}:ready"
	keyDelayed  = "broker:{dial}:delayed"
	keySeen     = "broker:{dial}:seen"
	keyAttempts = "broker:{dial}:attempts"
)

// pruneBatch bounds how many seen entries one prune pass removes.
const pruneBatch = 1000

// enqueueScript rejects IDs inside the retention window, then stores the
// payload and routes the ID to ready or delayed.
//
// KEYS: seen, jobs, ready, delayed
// ARGV: jobID, payload, nowMs, readyAtMs (0 = immediate)
var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
else
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

// dequeueScript pops one ready ID with its payload.
//
// KEYS: ready, jobs
var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return {}
end
local payload = redis.call('HGET', KEYS[2], id)
if not payload then
  return { id, '' }
end
return { id, payload }
`)

// requeueDelayedScript moves due delayed IDs onto the ready list.
//
// KEYS: delayed, ready
// ARGV: nowMs, limit
var requeueDelayedScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #due
`)

// nackScript counts the failure and either schedules a delayed retry or
// drops the job once attempts are exhausted. Returns -1 on drop.
//
// KEYS: attempts, jobs, delayed
// ARGV: jobID, maxAttempts, retryAtMs
var nackScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
if n >= tonumber(ARGV[2]) then
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('HDEL', KEYS[1], ARGV[1])
  return -1
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return n
`)

// pruneScript forgets job IDs older than the retention cutoff.
//
// KEYS: seen, jobs, attempts
// ARGV: cutoffMs, limit
var pruneScript = redis.NewScript(`
local old = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(old) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
  redis.call('HDEL', KEYS[3], id)
end
return #old
`)

// Job is one unit of work handed to a consumer.
type Job struct {
	ID      string
	Payload []byte
}

// Config tunes queue behavior.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
	Retention    time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
}

// Broker is the queue handle.
type Broker struct {
	rdb    *redis.Client
	cfg    Config
	logger zerolog.Logger
}

// New creates a broker over the given Redis client.
func New(rdb *redis.Client, cfg Config, logger zerolog.Logger) *Broker {
	cfg.applyDefaults()
	return &Broker{rdb: rdb, cfg: cfg, logger: logger}
}

// Enqueue adds a job. Returns false when the ID was already seen within the
// retention window. A positive delay schedules delivery for later.
func (b *Broker) Enqueue(ctx context.Context, jobID string, payload []byte, delay time.Duration) (bool, error) {
	now := time.Now()
	readyAt := int64(0)
	if delay > 0 {
		readyAt = now.Add(delay).UnixMilli()
	}

	n, err := enqueueScript.Run(ctx, b.rdb,
		[]string{keySeen, keyJobs, keyReady, keyDelayed},
		jobID, payload, now.UnixMilli(), readyAt,
	).Int()
	if err != nil {
		return false, fmt.Errorf("broker enqueue failed: %w", err)
	}
	if n == 0 {
		metrics.RecordBrokerEnqueue("duplicate")
		return false, nil
	}
	if readyAt > 0 {
		metrics.RecordBrokerEnqueue("delayed")
	} else {
		metrics.RecordBrokerEnqueue("enqueued")
	}
	return true, nil
}

// Dequeue pops one ready job. Returns nil when the queue is empty.
func (b *Broker) Dequeue(ctx context.Context) (*Job, error) {
	for {
		res, err := dequeueScript.Run(ctx, b.rdb, []string{keyReady, keyJobs}).Slice()
		if err != nil {
			return nil, fmt.Errorf("broker dequeue failed: %w", err)
		}
		if len(res) == 0 {
			return nil, nil
		}
		id, _ := res[0].(string)
		payload, _ := res[1].(string)
		if payload == "" {
			// ID survived a prune without its payload. Skip it.
			b.logger.Warn().Str("job_id", id).Msg("dropping ready job without payload")
			continue
		}
		return &Job{ID: id, Payload: []byte(payload)}, nil
	}
}

// Ack removes a completed job. The seen entry stays for dedup.
func (b *Broker) Ack(ctx context.Context, jobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.HDel(ctx, keyJobs, jobID)
	pipe.HDel(ctx, keyAttempts, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker ack failed: %w", err)
	}
	return nil
}

// Forget erases a job's identity, including its seen entry, so the same ID
// may be enqueued again immediately. Consumers call it before handing a
// claimed job back through the waitlist; Ack would keep the ID blocked for
// the whole retention window.
func (b *Broker) Forget(ctx context.Context, jobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, keySeen, jobID)
	pipe.HDel(ctx, keyJobs, jobID)
	pipe.HDel(ctx, keyAttempts, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker forget failed: %w", err)
	}
	return nil
}

// Nack records a handling failure. The job is retried after RetryDelay until
// MaxAttempts is reached, then dropped. Returns whether a retry was
// scheduled.
func (b *Broker) Nack(ctx context.Context, jobID string) (bool, error) {
	n, err := nackScript.Run(ctx, b.rdb,
		[]string{keyAttempts, keyJobs, keyDelayed},
		jobID, b.cfg.MaxAttempts, time.Now().Add(b.cfg.RetryDelay).UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("broker nack failed: %w", err)
	}
	if n < 0 {
		b.logger.Error().Str("job_id", jobID).Int("max_attempts", b.cfg.MaxAttempts).
			Msg("job dropped after exhausting attempts")
		metrics.RecordBrokerConsume("dropped")
		return false, nil
	}
	metrics.RecordBrokerConsume("retry")
	return true, nil
}

// Has reports whether the job payload still exists. Used by the janitor to
// detect reservations whose job vanished.
func (b *Broker) Has(ctx context.Context, jobID string) (bool, error) {
	ok, err := b.rdb.HExists(ctx, keyJobs, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("broker has failed: %w", err)
	}
	return ok, nil
}

// RequeueDelayed moves due delayed jobs onto the ready list.
func (b *Broker) RequeueDelayed(ctx context.Context) (int, error) {
	n, err := requeueDelayedScript.Run(ctx, b.rdb,
		[]string{keyDelayed, keyReady},
		time.Now().UnixMilli(), b.cfg.BatchSize,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("broker requeue-delayed failed: %w", err)
	}
	return n, nil
}

// PruneSeen forgets job IDs older than the retention window.
func (b *Broker) PruneSeen(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-b.cfg.Retention).UnixMilli()
	n, err := pruneScript.Run(ctx, b.rdb,
		[]string{keySeen, keyJobs, keyAttempts},
		cutoff, pruneBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("broker prune failed: %w", err)
	}
	return n, nil
}

// Depth reports ready and delayed sizes and refreshes the gauges.
func (b *Broker) Depth(ctx context.Context) (ready, delayed int64, err error) {
	ready, err = b.rdb.LLen(ctx, keyReady).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("broker depth failed: %w", err)
	}
	delayed, err = b.rdb.ZCard(ctx, keyDelayed).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("broker depth failed: %w", err)
	}
	metrics.BrokerReadyDepth.Set(float64(ready))
	metrics.BrokerDelayedDepth.Set(float64(delayed))
	return ready, delayed, nil
}
