// Package dispatch consumes broker jobs and turns them into provider calls:
// claim the reservation, admit under the campaign limit, dial, upgrade the
// lease. Everything after the reservation claim is handled in-line, because
// a broker-level retry could no longer claim it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/broker"
	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/campaign"
	"github.com/ringflow/dialer/internal/coldstart"
	"github.com/ringflow/dialer/internal/lease"
	"github.com/ringflow/dialer/internal/ledger"
	"github.com/ringflow/dialer/internal/metrics"
	"github.com/ringflow/dialer/internal/telephony"
	"github.com/ringflow/dialer/internal/waitlist"
)

// Store is the durable state the dispatcher needs.
type Store interface {
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	UpsertCall(ctx context.Context, c callstore.Call) error
	SetCallTokens(ctx context.Context, callID, preToken, activeToken string) error
	UpdateCallStatus(ctx context.Context, callID string, status callstore.CallStatus) error
	SetContactState(ctx context.Context, campaignID, contactRef string, state campaign.ContactState, retryCount int, nextAttempt time.Time) error
}

// Breaker is the failure-rate tracker the dispatcher reports into.
type Breaker interface {
	RecordFailure(ctx context.Context, campaignID, callID string) (bool, error)
	RecordSuccess(ctx context.Context, campaignID string) error
}

// Gate-violation jobs first try to earn a slot the normal way before the
// unconditional hard-sync admission.
const (
	gateRepairAttempts = 3
	gateRepairBackoff  = 100 * time.Millisecond
)

// Config tunes dispatching.
type Config struct {
	PreDialTTL time.Duration // drives the pre-dial heartbeat cadence
	From       string        // caller ID when the campaign has no phone ref
}

// Handler processes one broker job per call attempt.
type Handler struct {
	leases   *lease.Manager
	ledger   *ledger.Ledger
	wl       *waitlist.Waitlist
	queue    *broker.Broker
	store    Store
	provider telephony.Provider
	brk      Breaker
	guard    *coldstart.Guard
	cfg      Config
	logger   zerolog.Logger
}

// New creates a dispatch handler.
func New(leases *lease.Manager, led *ledger.Ledger, wl *waitlist.Waitlist, queue *broker.Broker, store Store, provider telephony.Provider, brk Breaker, guard *coldstart.Guard, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.PreDialTTL <= 0 {
		cfg.PreDialTTL = 20 * time.Second
	}
	return &Handler{
		leases:   leases,
		ledger:   led,
		wl:       wl,
		queue:    queue,
		store:    store,
		provider: provider,
		brk:      brk,
		guard:    guard,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handle implements broker.Handler. A returned error asks the broker for a
// redelivery; that is only safe before the reservation claim. Past the
// claim, failed jobs come back as broker.ErrRequeued after a waitlist
// round trip.
func (h *Handler) Handle(ctx context.Context, job broker.Job) error {
	var p campaign.JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("undecodable job payload, dropping")
		metrics.RecordDispatch("undecodable")
		return nil
	}
	if p.Version != campaign.PayloadVersion {
		h.logger.Error().Str("job_id", job.ID).Int("version", p.Version).Msg("unknown payload version, dropping")
		metrics.RecordDispatch("bad_version")
		return nil
	}

	log := h.logger.With().Str("job_id", job.ID).Str("campaign_id", p.CampaignID).Str("call_id", p.CallID).Logger()

	c, err := h.store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		if errors.Is(err, callstore.ErrNotFound) {
			log.Warn().Msg("job for unknown campaign, dropping")
			metrics.RecordDispatch("unknown_campaign")
			return nil
		}
		return fmt.Errorf("campaign load failed: %w", err)
	}

	// Reservation claim is the point of no return for broker retries.
	claimed, err := h.ledger.Claim(ctx, p.CampaignID, job.ID)
	if err != nil {
		return fmt.Errorf("reservation claim failed: %w", err)
	}
	if !claimed {
		log.Debug().Msg("no reservation to claim, duplicate delivery")
		metrics.RecordDispatch("duplicate")
		return nil
	}

	if !c.State.AllowsPromotion() {
		return h.divert(ctx, log, job.ID, c, p)
	}

	if p.PromoteSeq == 0 {
		// The job bypassed the promoter: repair admission instead of
		// trusting its reservation.
		metrics.GateViolationTotal.Inc()
		log.Warn().Msg("job without promote sequence, repairing admission")
		return h.repairAdmission(ctx, log, job.ID, c, p)
	}

	preToken, ok, err := h.leases.AcquirePre(ctx, p.CampaignID, p.CallID, c.ConcurrentLimit)
	if err != nil {
		// Reservation is gone but no slot was taken. Put the job back in
		// line rather than asking the broker to retry a dead claim.
		log.Error().Err(err).Msg("admission failed, requeueing")
		return h.requeue(ctx, log, job.ID, p)
	}
	if !ok {
		log.Debug().Msg("admission denied, requeueing")
		metrics.RecordDispatch("denied")
		return h.requeue(ctx, log, job.ID, p)
	}

	return h.dial(ctx, log, job.ID, c, p, preToken)
}

// repairAdmission handles a gate-violation job: a few normal acquire-pre
// attempts, then the one-shot unconditional admission. Occupancy checks
// surface any overshoot the hard-sync causes.
func (h *Handler) repairAdmission(ctx context.Context, log zerolog.Logger, jobID string, c campaign.Campaign, p campaign.JobPayload) error {
	for attempt := 0; attempt < gateRepairAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gateRepairBackoff):
			}
		}
		preToken, ok, err := h.leases.AcquirePre(ctx, p.CampaignID, p.CallID, c.ConcurrentLimit)
		if err != nil {
			log.Error().Err(err).Msg("repair admission failed, requeueing")
			return h.requeue(ctx, log, jobID, p)
		}
		if ok {
			return h.dial(ctx, log, jobID, c, p, preToken)
		}
	}

	metrics.GateHardSyncTotal.Inc()
	log.Error().Int("attempts", gateRepairAttempts).Msg("repair admission exhausted, hard-sync")
	preToken, err := h.leases.ForceAcquirePre(ctx, p.CampaignID, p.CallID)
	if err != nil {
		log.Error().Err(err).Msg("hard-sync admission failed, requeueing")
		return h.requeue(ctx, log, jobID, p)
	}
	return h.dial(ctx, log, jobID, c, p, preToken)
}

// divert handles a claimed job whose campaign can no longer dial. Paused
// campaigns keep the contact in line; terminal ones skip it.
func (h *Handler) divert(ctx context.Context, log zerolog.Logger, jobID string, c campaign.Campaign, p campaign.JobPayload) error {
	if c.State == campaign.StatePaused {
		log.Debug().Msg("campaign paused, contact back to waitlist")
		metrics.RecordDispatch("paused")
		return h.requeue(ctx, log, jobID, p)
	}
	log.Debug().Str("state", string(c.State)).Msg("campaign terminal, contact skipped")
	metrics.RecordDispatch("skipped")
	if err := h.store.SetContactState(ctx, p.CampaignID, p.ContactRef, campaign.ContactSkipped, p.RetryCount, time.Time{}); err != nil {
		log.Error().Err(err).Msg("contact skip persist failed")
	}
	return nil
}

// requeue hands a claimed job back to the waitlist. The broker forgets the
// job identity first, so a later promotion of the same attempt derives the
// same jobID and is not rejected as a duplicate; the ErrRequeued return
// keeps the worker from acking the forgotten ID.
func (h *Handler) requeue(ctx context.Context, log zerolog.Logger, jobID string, p campaign.JobPayload) error {
	if err := h.queue.Forget(ctx, jobID); err != nil {
		log.Error().Err(err).Msg("job forget failed, re-promotion blocked until broker retention prunes it")
	}
	if err := h.wl.RequeueFront(ctx, p); err != nil {
		log.Error().Err(err).Msg("requeue failed, contact may stall until janitor rebuild")
	}
	return broker.ErrRequeued
}

// dial owns the slot: place the call, upgrade, or give the slot back.
func (h *Handler) dial(ctx context.Context, log zerolog.Logger, jobID string, c campaign.Campaign, p campaign.JobPayload, preToken string) error {
	call := callstore.Call{
		ID:         p.CallID,
		CampaignID: p.CampaignID,
		ContactRef: p.ContactRef,
		Status:     callstore.CallCreated,
		PreToken:   preToken,
	}
	if err := h.store.UpsertCall(ctx, call); err != nil {
		log.Error().Err(err).Msg("call row persist failed, releasing slot")
		h.releasePre(ctx, log, p, preToken)
		return h.requeue(ctx, log, jobID, p)
	}

	from := c.PhoneRef
	if from == "" {
		from = h.cfg.From
	}

	resp, err := h.createWithHeartbeat(ctx, p, from, preToken)
	if err != nil {
		return h.dialFailed(ctx, log, jobID, c, p, preToken, err)
	}

	if err := h.store.UpsertCall(ctx, callstore.Call{
		ID: p.CallID, CampaignID: p.CampaignID, ContactRef: p.ContactRef,
		Status: callstore.CallDialing, PreToken: preToken, ProviderRef: resp.ProviderRef,
	}); err != nil {
		log.Error().Err(err).Msg("provider ref persist failed")
	}

	activeToken, upgraded, err := h.leases.Upgrade(ctx, p.CampaignID, p.CallID, preToken)
	if err != nil || !upgraded {
		// The pre-dial lease died while the provider accepted the call.
		// The slot is lost, so the call must not keep ringing.
		log.Warn().Err(err).Msg("upgrade failed after create, hanging up")
		metrics.RecordDispatch("upgrade_lost")
		if herr := h.provider.Hangup(context.WithoutCancel(ctx), resp.ProviderRef); herr != nil {
			log.Error().Err(herr).Msg("hangup failed")
		}
		if serr := h.store.UpdateCallStatus(ctx, p.CallID, callstore.CallCanceled); serr != nil {
			log.Error().Err(serr).Msg("call cancel persist failed")
		}
		return h.requeue(ctx, log, jobID, p)
	}

	// Durable tokens before anything else can crash us.
	if err := h.store.SetCallTokens(ctx, p.CallID, preToken, activeToken); err != nil {
		log.Error().Err(err).Msg("token persist failed")
	}
	if err := h.store.SetContactState(ctx, p.CampaignID, p.ContactRef, campaign.ContactCalling, p.RetryCount, time.Time{}); err != nil {
		log.Error().Err(err).Msg("contact state persist failed")
	}
	if err := h.guard.MarkUpgraded(ctx, p.CampaignID); err != nil {
		log.Warn().Err(err).Msg("cold-start unblock failed")
	}
	if err := h.brk.RecordSuccess(ctx, p.CampaignID); err != nil {
		log.Warn().Err(err).Msg("breaker reset failed")
	}

	metrics.RecordDispatch("dialed")
	log.Info().Str("provider_ref", resp.ProviderRef).Msg("call dialing")
	return nil
}

// createWithHeartbeat keeps the pre-dial lease alive while the provider
// request is in flight. The hard cap still bounds a hung request.
func (h *Handler) createWithHeartbeat(ctx context.Context, p campaign.JobPayload, from, preToken string) (telephony.CreateCallResponse, error) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(h.cfg.PreDialTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ok, err := h.leases.RenewPreCapped(hbCtx, p.CampaignID, p.CallID, preToken)
				if err != nil || !ok {
					return
				}
			}
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	return h.provider.CreateCall(ctx, telephony.CreateCallRequest{
		CallID:     p.CallID,
		CampaignID: p.CampaignID,
		To:         p.To,
		From:       from,
		AgentRef:   p.AgentRef,
	})
}

func (h *Handler) dialFailed(ctx context.Context, log zerolog.Logger, jobID string, c campaign.Campaign, p campaign.JobPayload, preToken string, cause error) error {
	log.Warn().Err(cause).Msg("provider create failed")
	metrics.RecordDispatch("provider_failed")

	if _, err := h.brk.RecordFailure(ctx, p.CampaignID, p.CallID); err != nil {
		log.Warn().Err(err).Msg("breaker record failed")
	}
	if err := h.store.UpdateCallStatus(ctx, p.CallID, callstore.CallFailed); err != nil {
		log.Error().Err(err).Msg("call failure persist failed")
	}
	h.releasePre(ctx, log, p, preToken)

	var apiErr *telephony.APIError
	if errors.As(cause, &apiErr) && !apiErr.Retryable() {
		// Permanent rejection of this destination: contact outcome, not
		// infrastructure retry.
		return h.finishContact(ctx, log, c, p)
	}

	// Transient: same attempt goes back to the head of the line.
	return h.requeue(ctx, log, jobID, p)
}

// finishContact applies the retry policy to a failed attempt.
func (h *Handler) finishContact(ctx context.Context, log zerolog.Logger, c campaign.Campaign, p campaign.JobPayload) error {
	if c.Retry.ShouldRetry(campaign.ContactFailed, p.RetryCount) {
		next := time.Now().Add(c.Retry.RetryDelay)
		if err := h.store.SetContactState(ctx, p.CampaignID, p.ContactRef, campaign.ContactPending, p.RetryCount+1, next); err != nil {
			log.Error().Err(err).Msg("retry schedule persist failed")
		}
		retry := p
		retry.RetryCount++
		retry.CallID = uuid.NewString()
		retry.PromoteSeq = 0
		retry.NotBefore = next.UnixMilli()
		if _, err := h.wl.Enqueue(ctx, retry); err != nil {
			log.Error().Err(err).Msg("retry enqueue failed")
		}
		return nil
	}
	if err := h.store.SetContactState(ctx, p.CampaignID, p.ContactRef, campaign.ContactFailed, p.RetryCount, time.Time{}); err != nil {
		log.Error().Err(err).Msg("contact failure persist failed")
	}
	return nil
}

func (h *Handler) releasePre(ctx context.Context, log zerolog.Logger, p campaign.JobPayload, preToken string) {
	released, err := h.leases.Release(context.WithoutCancel(ctx), p.CampaignID, p.CallID, preToken, true, true)
	if err != nil {
		log.Error().Err(err).Msg("pre-dial release failed, janitor will reap")
		return
	}
	if !released {
		log.Debug().Msg("pre-dial lease already gone")
	}
}
