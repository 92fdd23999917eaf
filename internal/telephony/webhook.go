package telephony

import (
	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/campaign"
)

// StatusEvent is one provider webhook delivery. CallID is ours; ProviderRef
// is theirs. Deliveries may arrive out of order and more than once.
type StatusEvent struct {
	CallID      string `json:"callId"`
	CampaignID  string `json:"campaignId"`
	ProviderRef string `json:"providerRef"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Timestamp   int64  `json:"timestamp"` // unix ms at the provider
}

// MapStatus translates the provider's status vocabulary into ours. Unknown
// statuses return false and must be ignored, not treated as terminal.
func MapStatus(providerStatus string) (callstore.CallStatus, bool) {
	switch providerStatus {
	case "queued", "initiated", "ringing":
		return callstore.CallDialing, true
	case "answered", "in-progress":
		return callstore.CallActive, true
	case "completed":
		return callstore.CallCompleted, true
	case "busy", "failed":
		return callstore.CallFailed, true
	case "no-answer":
		return callstore.CallNoAnswer, true
	case "machine", "voicemail":
		return callstore.CallVoicemail, true
	case "canceled":
		return callstore.CallCanceled, true
	default:
		return "", false
	}
}

// ContactOutcome reduces a terminal call status to the contact state the
// retry policy understands.
func ContactOutcome(status callstore.CallStatus) (campaign.ContactState, bool) {
	switch status {
	case callstore.CallCompleted:
		return campaign.ContactCompleted, true
	case callstore.CallVoicemail:
		return campaign.ContactVoicemail, true
	case callstore.CallFailed, callstore.CallNoAnswer, callstore.CallCanceled:
		return campaign.ContactFailed, true
	default:
		return "", false
	}
}
