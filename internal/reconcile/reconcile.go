// Package reconcile turns provider webhooks and agent stream signals into
// slot releases and contact outcomes. Terminal status is made durable before
// the slot is freed, so a crash between the two can only leak a slot (the
// janitor's problem), never double-count a call.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/campaign"
	"github.com/ringflow/dialer/internal/lease"
	"github.com/ringflow/dialer/internal/telephony"
	"github.com/ringflow/dialer/internal/waitlist"
)

// Store is the durable state the reconciler needs.
type Store interface {
	GetCall(ctx context.Context, callID string) (callstore.Call, error)
	UpdateCallStatus(ctx context.Context, callID string, status callstore.CallStatus) error
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	GetContact(ctx context.Context, campaignID, contactRef string) (callstore.Contact, error)
	SetContactState(ctx context.Context, campaignID, contactRef string, state campaign.ContactState, retryCount int, nextAttempt time.Time) error
}

// Breaker is the failure-rate tracker the reconciler reports into.
type Breaker interface {
	RecordFailure(ctx context.Context, campaignID, callID string) (bool, error)
	RecordSuccess(ctx context.Context, campaignID string) error
}

// Reconciler applies call outcomes to leases, contacts, and the waitlist.
type Reconciler struct {
	leases *lease.Manager
	store  Store
	wl     *waitlist.Waitlist
	brk    Breaker
	logger zerolog.Logger
}

// New creates a reconciler.
func New(leases *lease.Manager, store Store, wl *waitlist.Waitlist, brk Breaker, logger zerolog.Logger) *Reconciler {
	return &Reconciler{leases: leases, store: store, wl: wl, brk: brk, logger: logger}
}

// OnStatusEvent handles one provider webhook delivery. Unknown statuses are
// ignored; duplicates and out-of-order deliveries are safe because terminal
// status is sticky and releases are idempotent.
func (r *Reconciler) OnStatusEvent(ctx context.Context, ev telephony.StatusEvent) error {
	status, known := telephony.MapStatus(ev.Status)
	if !known {
		r.logger.Warn().Str("call_id", ev.CallID).Str("status", ev.Status).Msg("ignoring unknown provider status")
		return nil
	}

	log := r.logger.With().Str("call_id", ev.CallID).Str("campaign_id", ev.CampaignID).Str("status", string(status)).Logger()

	call, err := r.store.GetCall(ctx, ev.CallID)
	if errors.Is(err, callstore.ErrNotFound) {
		// A webhook for a call we never recorded. Free whatever slot it
		// might hold so the campaign cannot wedge.
		log.Warn().Msg("webhook for unknown call, force-releasing")
		if _, ferr := r.leases.ForceRelease(ctx, ev.CampaignID, ev.CallID, true); ferr != nil {
			return fmt.Errorf("force release failed: %w", ferr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("call load failed: %w", err)
	}

	if !status.IsTerminal() {
		if err := r.store.UpdateCallStatus(ctx, ev.CallID, status); err != nil {
			return fmt.Errorf("status persist failed: %w", err)
		}
		if status == callstore.CallActive && call.ActiveToken != "" {
			if _, err := r.leases.Renew(ctx, call.CampaignID, call.ID, call.ActiveToken, false); err != nil {
				log.Warn().Err(err).Msg("active lease renew failed")
			}
		}
		return nil
	}

	// Terminal: durable status first, then the slot.
	if err := r.store.UpdateCallStatus(ctx, ev.CallID, status); err != nil {
		return fmt.Errorf("terminal status persist failed: %w", err)
	}
	r.releaseSlot(ctx, log, call)

	switch status {
	case callstore.CallFailed, callstore.CallNoAnswer:
		if _, err := r.brk.RecordFailure(ctx, call.CampaignID, call.ID); err != nil {
			log.Warn().Err(err).Msg("breaker record failed")
		}
	case callstore.CallCompleted:
		if err := r.brk.RecordSuccess(ctx, call.CampaignID); err != nil {
			log.Warn().Err(err).Msg("breaker reset failed")
		}
	}

	return r.finishContact(ctx, log, call, status)
}

// OnStreamConnected marks the call active and renews its lease: a live media
// stream is the strongest liveness signal there is.
func (r *Reconciler) OnStreamConnected(ctx context.Context, callID string) error {
	call, err := r.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("call load failed: %w", err)
	}
	if err := r.store.UpdateCallStatus(ctx, callID, callstore.CallActive); err != nil {
		return fmt.Errorf("status persist failed: %w", err)
	}
	if call.ActiveToken != "" {
		if _, err := r.leases.Renew(ctx, call.CampaignID, call.ID, call.ActiveToken, false); err != nil {
			r.logger.Warn().Err(err).Str("call_id", callID).Msg("active lease renew failed")
		}
	}
	return nil
}

// OnStreamEnded releases the slot when the agent's media stream closes,
// which usually beats the provider webhook by seconds.
func (r *Reconciler) OnStreamEnded(ctx context.Context, callID string) error {
	call, err := r.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("call load failed: %w", err)
	}
	log := r.logger.With().Str("call_id", callID).Str("campaign_id", call.CampaignID).Logger()

	if !call.Status.IsTerminal() {
		if err := r.store.UpdateCallStatus(ctx, callID, callstore.CallCompleted); err != nil {
			return fmt.Errorf("terminal status persist failed: %w", err)
		}
	}
	r.releaseSlot(ctx, log, call)
	if !call.Status.IsTerminal() {
		return r.finishContact(ctx, log, call, callstore.CallCompleted)
	}
	return nil
}

// releaseSlot frees the call's slot: stored tokens first, force as backstop.
// Idempotent, so the webhook/stream race costs nothing.
func (r *Reconciler) releaseSlot(ctx context.Context, log zerolog.Logger, call callstore.Call) {
	if call.ActiveToken != "" {
		released, err := r.leases.Release(ctx, call.CampaignID, call.ID, call.ActiveToken, false, true)
		if err == nil && released {
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("token release failed")
		}
	}
	if call.PreToken != "" {
		released, err := r.leases.Release(ctx, call.CampaignID, call.ID, call.PreToken, true, true)
		if err == nil && released {
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("pre-dial token release failed")
		}
	}
	released, err := r.leases.ForceRelease(ctx, call.CampaignID, call.ID, true)
	if err != nil {
		log.Error().Err(err).Msg("force release failed, janitor will reap")
		return
	}
	if !released {
		log.Debug().Msg("slot already free")
	}
}

// finishContact applies the retry policy to the contact behind a finished
// call.
func (r *Reconciler) finishContact(ctx context.Context, log zerolog.Logger, call callstore.Call, status callstore.CallStatus) error {
	outcome, ok := telephony.ContactOutcome(status)
	if !ok {
		return nil
	}

	c, err := r.store.GetCampaign(ctx, call.CampaignID)
	if err != nil {
		return fmt.Errorf("campaign load failed: %w", err)
	}
	ct, err := r.store.GetContact(ctx, call.CampaignID, call.ContactRef)
	if err != nil {
		return fmt.Errorf("contact load failed: %w", err)
	}

	if c.State.AllowsPromotion() && c.Retry.ShouldRetry(outcome, ct.RetryCount) {
		next := time.Now().Add(c.Retry.RetryDelay)
		if err := r.store.SetContactState(ctx, call.CampaignID, call.ContactRef, campaign.ContactPending, ct.RetryCount+1, next); err != nil {
			return fmt.Errorf("retry schedule persist failed: %w", err)
		}
		priority := ct.Priority
		if priority == "" {
			priority = c.PriorityMode
		}
		added, err := r.wl.Enqueue(ctx, campaign.JobPayload{
			Version:    campaign.PayloadVersion,
			CampaignID: call.CampaignID,
			CallID:     uuid.NewString(),
			ContactRef: call.ContactRef,
			AgentRef:   c.AgentRef,
			PhoneRef:   c.PhoneRef,
			To:         ct.Phone,
			RetryCount: ct.RetryCount + 1,
			Priority:   priority,
			NotBefore:  next.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("retry enqueue failed: %w", err)
		}
		if added {
			log.Info().Int("attempt", ct.RetryCount+1).Time("not_before", next).Msg("retry scheduled")
		}
		return nil
	}

	if err := r.store.SetContactState(ctx, call.CampaignID, call.ContactRef, outcome, ct.RetryCount, time.Time{}); err != nil {
		return fmt.Errorf("contact outcome persist failed: %w", err)
	}
	return nil
}
