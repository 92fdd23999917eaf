// Package telephony talks to the outbound call provider and translates its
// webhook vocabulary into call statuses.
package telephony

import (
	"context"
	"fmt"
)

// CreateCallRequest asks the provider to place one outbound call.
type CreateCallRequest struct {
	CallID      string `json:"callId"`
	CampaignID  string `json:"campaignId"`
	To          string `json:"to"`
	From        string `json:"from"`
	AgentRef    string `json:"agentRef"`
	CallbackURL string `json:"statusCallbackUrl"`
}

// CreateCallResponse is the provider's acceptance of a call.
type CreateCallResponse struct {
	ProviderRef string `json:"providerRef"`
	Status      string `json:"status"`
}

// Provider places and tears down calls.
type Provider interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResponse, error)
	Hangup(ctx context.Context, providerRef string) error
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telephony: provider returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure is worth another attempt by the
// dispatch layer (as opposed to a permanent rejection of this call).
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
