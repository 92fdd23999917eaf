package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/telephony"
)

// handleStatusWebhook accepts a provider call-status delivery. The provider
// retries on non-2xx, so transient failures return 500 and duplicates are
// answered 202 like first deliveries.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var ev telephony.StatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if ev.CallID == "" || ev.CampaignID == "" || ev.Status == "" {
		writeBadRequest(w, "callId, campaignId and status are required")
		return
	}

	if err := s.rec.OnStatusEvent(r.Context(), ev); err != nil {
		s.logger.Error().Err(err).Str("call_id", ev.CallID).Msg("status webhook failed")
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleStreamConnected marks the agent media stream live for a call.
func (s *Server) handleStreamConnected(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	err := s.rec.OnStreamConnected(r.Context(), callID)
	if errors.Is(err, callstore.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("call_id", callID).Msg("stream-connected failed")
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleStreamEnded releases the call's slot on stream close.
func (s *Server) handleStreamEnded(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	err := s.rec.OnStreamEnded(r.Context(), callID)
	if errors.Is(err, callstore.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("call_id", callID).Msg("stream-ended failed")
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
