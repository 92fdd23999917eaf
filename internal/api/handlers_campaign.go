package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/campaign"
	"github.com/ringflow/dialer/internal/coord"
)

// seedBatch bounds how many contacts one seeding round loads from sqlite.
const seedBatch = 500

type retryPolicyBody struct {
	RetryFailed      bool `json:"retryFailed"`
	MaxRetryAttempts int  `json:"maxRetryAttempts"`
	RetryDelaySec    int  `json:"retryDelaySeconds"`
	ExcludeVoicemail bool `json:"excludeVoicemail"`
}

type campaignBody struct {
	ID              string          `json:"id,omitempty"`
	Name            string          `json:"name"`
	ConcurrentLimit int             `json:"concurrentLimit"`
	PriorityMode    string          `json:"priorityMode,omitempty"`
	AgentRef        string          `json:"agentRef"`
	PhoneRef        string          `json:"phoneRef"`
	Retry           retryPolicyBody `json:"retry"`
}

type campaignView struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	State           campaign.State  `json:"state"`
	ConcurrentLimit int             `json:"concurrentLimit"`
	PriorityMode    string          `json:"priorityMode"`
	AgentRef        string          `json:"agentRef"`
	PhoneRef        string          `json:"phoneRef"`
	Retry           retryPolicyBody `json:"retry"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func viewOf(c campaign.Campaign) campaignView {
	return campaignView{
		ID:              c.ID,
		Name:            c.Name,
		State:           c.State,
		ConcurrentLimit: c.ConcurrentLimit,
		PriorityMode:    string(c.PriorityMode),
		AgentRef:        c.AgentRef,
		PhoneRef:        c.PhoneRef,
		Retry: retryPolicyBody{
			RetryFailed:      c.Retry.RetryFailed,
			MaxRetryAttempts: c.Retry.MaxRetryAttempts,
			RetryDelaySec:    int(c.Retry.RetryDelay / time.Second),
			ExcludeVoicemail: c.Retry.ExcludeVoicemail,
		},
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (b campaignBody) validate() error {
	if b.Name == "" {
		return errors.New("name is required")
	}
	if b.ConcurrentLimit <= 0 {
		return errors.New("concurrentLimit must be positive")
	}
	if b.PhoneRef == "" {
		return errors.New("phoneRef is required")
	}
	switch campaign.Priority(b.PriorityMode) {
	case "", campaign.PriorityHigh, campaign.PriorityNormal:
	default:
		return fmt.Errorf("unknown priorityMode %q", b.PriorityMode)
	}
	return nil
}

// handleCreateCampaign registers a campaign in DRAFT state.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body campaignBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if err := body.validate(); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	c := campaign.Campaign{
		ID:              body.ID,
		Name:            body.Name,
		State:           campaign.StateDraft,
		ConcurrentLimit: body.ConcurrentLimit,
		PriorityMode:    campaign.Priority(body.PriorityMode),
		AgentRef:        body.AgentRef,
		PhoneRef:        body.PhoneRef,
		Retry: campaign.RetryPolicy{
			RetryFailed:      body.Retry.RetryFailed,
			MaxRetryAttempts: body.Retry.MaxRetryAttempts,
			RetryDelay:       time.Duration(body.Retry.RetryDelaySec) * time.Second,
			ExcludeVoicemail: body.Retry.ExcludeVoicemail,
		},
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.PriorityMode == "" {
		c.PriorityMode = campaign.PriorityNormal
	}

	ctx := r.Context()
	if err := s.store.UpsertCampaign(ctx, c); err != nil {
		s.logger.Error().Err(err).Str("campaign_id", c.ID).Msg("campaign create failed")
		writeInternal(w)
		return
	}
	if err := s.setLimitKey(ctx, c); err != nil {
		s.logger.Error().Err(err).Str("campaign_id", c.ID).Msg("limit key write failed")
		writeInternal(w)
		return
	}

	created, err := s.store.GetCampaign(ctx, c.ID)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(created))
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "campaignID"))
	if errors.Is(err, callstore.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

type contactBody struct {
	ContactRef string `json:"contactRef"`
	Phone      string `json:"phone"`
	Priority   string `json:"priority,omitempty"`
}

type addContactsBody struct {
	Contacts []contactBody `json:"contacts"`
}

// handleAddContacts uploads contacts; for a running campaign they are seeded
// onto the waitlist immediately.
func (s *Server) handleAddContacts(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	campaignID := chi.URLParam(r, "campaignID")
	ctx := r.Context()

	c, err := s.store.GetCampaign(ctx, campaignID)
	if errors.Is(err, callstore.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	if c.State.IsTerminal() {
		writeConflict(w, "campaign is finished")
		return
	}

	var body addContactsBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if len(body.Contacts) == 0 {
		writeBadRequest(w, "contacts must not be empty")
		return
	}

	contacts := make([]callstore.Contact, 0, len(body.Contacts))
	for _, cb := range body.Contacts {
		if cb.ContactRef == "" || cb.Phone == "" {
			writeBadRequest(w, "contactRef and phone are required")
			return
		}
		switch campaign.Priority(cb.Priority) {
		case "", campaign.PriorityHigh, campaign.PriorityNormal:
		default:
			writeBadRequest(w, fmt.Sprintf("unknown priority %q", cb.Priority))
			return
		}
		contacts = append(contacts, callstore.Contact{
			CampaignID: campaignID,
			ContactRef: cb.ContactRef,
			Phone:      cb.Phone,
			Priority:   campaign.Priority(cb.Priority),
		})
	}

	added, err := s.store.AddContacts(ctx, contacts)
	if err != nil {
		s.logger.Error().Err(err).Str("campaign_id", campaignID).Msg("contact upload failed")
		writeInternal(w)
		return
	}

	queued := 0
	if c.State.AllowsPromotion() {
		queued, err = s.seedPending(ctx, c)
		if err != nil {
			s.logger.Error().Err(err).Str("campaign_id", campaignID).Msg("contact seeding failed")
			writeInternal(w)
			return
		}
		if queued > 0 {
			s.promoter.Wake(campaignID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{"added": added, "queued": queued})
}

// handleStart moves a DRAFT campaign to ACTIVE and seeds its waitlist.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, campaign.StateDraft, campaign.StateActive, true)
}

// handlePause suspends promotion; in-flight calls keep their slots.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, campaign.StateActive, campaign.StatePaused, false)
}

// handleResume reactivates a paused campaign and re-seeds pending contacts.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, campaign.StatePaused, campaign.StateActive, true)
}

// handleCancel stops the campaign for good. Queued jobs are skipped when they
// surface at the dispatcher.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	ctx := r.Context()

	c, err := s.store.GetCampaign(ctx, campaignID)
	if errors.Is(err, callstore.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	if c.State.IsTerminal() {
		writeJSON(w, http.StatusOK, viewOf(c))
		return
	}

	if err := s.store.SetCampaignState(ctx, campaignID, campaign.StateCancelled); err != nil {
		s.logger.Error().Err(err).Str("campaign_id", campaignID).Msg("cancel failed")
		writeInternal(w)
		return
	}
	c, err = s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

// handleStats reports live occupancy alongside durable contact progress.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	ctx := r.Context()

	if _, err := s.store.GetCampaign(ctx, campaignID); errors.Is(err, callstore.ErrNotFound) {
		writeNotFound(w)
		return
	} else if err != nil {
		writeInternal(w)
		return
	}

	leases, reserved, limit, err := s.leases.Occupancy(ctx, campaignID)
	if err != nil {
		writeInternal(w)
		return
	}
	high, normal, err := s.wl.Depths(ctx, campaignID)
	if err != nil {
		writeInternal(w)
		return
	}
	counts, err := s.store.ContactCounts(ctx, campaignID)
	if err != nil {
		writeInternal(w)
		return
	}
	open, err := s.brk.IsOpen(ctx, campaignID)
	if err != nil {
		writeInternal(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"leases":         leases,
		"reserved":       reserved,
		"limit":          limit,
		"waitlistHigh":   high,
		"waitlistNormal": normal,
		"circuitOpen":    open,
		"contacts":       counts,
	})
}

// transition applies a single allowed state change, optionally seeding the
// waitlist afterwards.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, from, to campaign.State, seed bool) {
	campaignID := chi.URLParam(r, "campaignID")
	ctx := r.Context()

	c, err := s.store.GetCampaign(ctx, campaignID)
	if errors.Is(err, callstore.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	if c.State == to {
		writeJSON(w, http.StatusOK, viewOf(c))
		return
	}
	if c.State != from {
		writeConflict(w, fmt.Sprintf("campaign is %s", c.State))
		return
	}

	if err := s.store.SetCampaignState(ctx, campaignID, to); err != nil {
		s.logger.Error().Err(err).Str("campaign_id", campaignID).Msg("state change failed")
		writeInternal(w)
		return
	}
	c.State = to

	if to == campaign.StateActive {
		if err := s.setLimitKey(ctx, c); err != nil {
			s.logger.Error().Err(err).Str("campaign_id", campaignID).Msg("limit key write failed")
			writeInternal(w)
			return
		}
	}
	if seed {
		queued, err := s.seedPending(ctx, c)
		if err != nil {
			s.logger.Error().Err(err).Str("campaign_id", campaignID).Msg("contact seeding failed")
			writeInternal(w)
			return
		}
		if queued > 0 {
			s.promoter.Wake(campaignID)
		}
	}

	c, err = s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

// setLimitKey publishes the campaign's concurrency limit to the coordination
// store, where the admission scripts read it.
func (s *Server) setLimitKey(ctx context.Context, c campaign.Campaign) error {
	return s.rdb.Set(ctx, coord.NewKeys(c.ID).Limit(), c.ConcurrentLimit, 0).Err()
}

// seedPending moves PENDING contacts onto the waitlist in batches until none
// remain. Each enqueued contact turns QUEUED, so the loop always terminates.
func (s *Server) seedPending(ctx context.Context, c campaign.Campaign) (int, error) {
	queued := 0
	for {
		pending, err := s.store.PendingContacts(ctx, c.ID, seedBatch)
		if err != nil {
			return queued, err
		}
		if len(pending) == 0 {
			return queued, nil
		}
		for _, ct := range pending {
			priority := ct.Priority
			if priority == "" {
				priority = c.PriorityMode
			}
			var nbf int64
			if !ct.NextAttemptAt.IsZero() {
				nbf = ct.NextAttemptAt.UnixMilli()
			}
			_, err := s.wl.Enqueue(ctx, campaign.JobPayload{
				Version:    campaign.PayloadVersion,
				CampaignID: c.ID,
				CallID:     uuid.NewString(),
				ContactRef: ct.ContactRef,
				AgentRef:   c.AgentRef,
				PhoneRef:   c.PhoneRef,
				To:         ct.Phone,
				RetryCount: ct.RetryCount,
				Priority:   priority,
				NotBefore:  nbf,
			})
			if err != nil {
				return queued, err
			}
			if err := s.store.SetContactState(ctx, c.ID, ct.ContactRef, campaign.ContactQueued, ct.RetryCount, ct.NextAttemptAt); err != nil {
				return queued, err
			}
			queued++
		}
	}
}
