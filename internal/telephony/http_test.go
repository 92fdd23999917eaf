package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/campaign"
)

func TestCreateCall(t *testing.T) {
	var gotAuth string
	var gotReq CreateCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/calls", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CreateCallResponse{ProviderRef: "prov-9", Status: "queued"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{
		BaseURL:     srv.URL,
		APIKey:      "secret",
		CallbackURL: "https://dialer.example/webhook",
		CPS:         100,
	}, zerolog.Nop())

	resp, err := p.CreateCall(context.Background(), CreateCallRequest{
		CallID:     "call-1",
		CampaignID: "c1",
		To:         "+15550100",
		From:       "+15550999",
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-9", resp.ProviderRef)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "call-1", gotReq.CallID)
	assert.Equal(t, "https://dialer.example/webhook", gotReq.CallbackURL,
		"callback defaults from config")
}

func TestCreateCallSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`invalid destination`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, CPS: 100}, zerolog.Nop())

	_, err := p.CreateCall(context.Background(), CreateCallRequest{CallID: "call-1"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "invalid destination", apiErr.Body)
	assert.False(t, apiErr.Retryable())
}

func TestAPIErrorRetryable(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 500}).Retryable())
	assert.True(t, (&APIError{StatusCode: 429}).Retryable())
	assert.False(t, (&APIError{StatusCode: 404}).Retryable())
	assert.False(t, (&APIError{StatusCode: 422}).Retryable())
}

func TestHangup(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, CPS: 100}, zerolog.Nop())

	require.NoError(t, p.Hangup(context.Background(), "prov-9"))
	assert.Equal(t, "/v1/calls/prov-9/hangup", gotPath)
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		provider string
		want     callstore.CallStatus
		known    bool
	}{
		{"queued", callstore.CallDialing, true},
		{"initiated", callstore.CallDialing, true},
		{"ringing", callstore.CallDialing, true},
		{"answered", callstore.CallActive, true},
		{"in-progress", callstore.CallActive, true},
		{"completed", callstore.CallCompleted, true},
		{"busy", callstore.CallFailed, true},
		{"failed", callstore.CallFailed, true},
		{"no-answer", callstore.CallNoAnswer, true},
		{"machine", callstore.CallVoicemail, true},
		{"voicemail", callstore.CallVoicemail, true},
		{"canceled", callstore.CallCanceled, true},
		{"some-new-status", "", false},
	}
	for _, tt := range tests {
		got, ok := MapStatus(tt.provider)
		assert.Equal(t, tt.known, ok, tt.provider)
		assert.Equal(t, tt.want, got, tt.provider)
	}
}

func TestContactOutcome(t *testing.T) {
	got, ok := ContactOutcome(callstore.CallCompleted)
	require.True(t, ok)
	assert.Equal(t, campaign.ContactCompleted, got)

	got, ok = ContactOutcome(callstore.CallVoicemail)
	require.True(t, ok)
	assert.Equal(t, campaign.ContactVoicemail, got)

	got, ok = ContactOutcome(callstore.CallNoAnswer)
	require.True(t, ok)
	assert.Equal(t, campaign.ContactFailed, got)

	_, ok = ContactOutcome(callstore.CallActive)
	assert.False(t, ok, "non-terminal status has no contact outcome")
}
