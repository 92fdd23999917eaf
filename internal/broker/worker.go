package broker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/metrics"
)

// Handler processes one job. A returned error schedules a retry through the
// broker's attempt accounting.
type Handler func(ctx context.Context, job Job) error

// Worker polls the broker and feeds jobs to a handler. Wake lets other
// components cut the poll interval short when they know work just arrived.
type Worker struct {
	broker  *Broker
	handler Handler
	logger  zerolog.Logger
	wake    chan struct{}
}

// NewWorker creates a consumer for the broker.
func NewWorker(b *Broker, handler Handler, logger zerolog.Logger) *Worker {
	return &Worker{
		broker:  b,
		handler: handler,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Wake nudges the worker to poll immediately. Non-blocking.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled. Poll intervals are jittered so
// replicas sharing one queue do not thunder in lockstep.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("poll_interval", w.broker.cfg.PollInterval).Msg("broker worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("broker worker stopped")
			return ctx.Err()
		case <-time.After(w.jitteredInterval()):
		case <-w.wake:
		}
		w.drain(ctx)
	}
}

func (w *Worker) jitteredInterval() time.Duration {
	base := w.broker.cfg.PollInterval
	return base + time.Duration(rand.Int63n(int64(base)/2+1))
}

// drain requeues due delayed jobs, then processes up to one batch.
func (w *Worker) drain(ctx context.Context) {
	if _, err := w.broker.RequeueDelayed(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("delayed requeue failed")
	}

	for i := 0; i < w.broker.cfg.BatchSize; i++ {
		if ctx.Err() != nil {
			return
		}
		job, err := w.broker.Dequeue(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("dequeue failed")
			return
		}
		if job == nil {
			return
		}
		w.handle(ctx, *job)
	}
}

func (w *Worker) handle(ctx context.Context, job Job) {
	err := w.handler(ctx, job)
	if errors.Is(err, ErrRequeued) {
		// The handler forgot the job and put its work back in line.
		metrics.RecordBrokerConsume("requeued")
		return
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job handling failed")
		if _, nerr := w.broker.Nack(ctx, job.ID); nerr != nil {
			w.logger.Error().Err(nerr).Str("job_id", job.ID).Msg("nack failed")
		}
		return
	}
	if err := w.broker.Ack(ctx, job.ID); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("ack failed")
		return
	}
	metrics.RecordBrokerConsume("ok")
}
