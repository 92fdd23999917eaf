package callstore

import (
	"time"

	"github.com/ringflow/dialer/internal/campaign"
)

// CallStatus is the provider-side lifecycle of one call attempt.
type CallStatus string

const (
	CallCreated   CallStatus = "created"  // row written, provider not yet asked
	CallDialing   CallStatus = "dialing"  // provider accepted, not yet answered
	CallActive    CallStatus = "active"   // answered, media flowing
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
	CallVoicemail CallStatus = "voicemail"
	CallNoAnswer  CallStatus = "no-answer"
	CallCanceled  CallStatus = "canceled"
)

// IsTerminal reports whether the call can no longer hold a slot.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallVoicemail, CallNoAnswer, CallCanceled:
		return true
	default:
		return false
	}
}

// Contact is one dialable entry of a campaign.
type Contact struct {
	CampaignID    string
	ContactRef    string
	Phone         string
	State         campaign.ContactState
	Priority      campaign.Priority
	RetryCount    int
	NextAttemptAt time.Time // zero when dialable immediately
	UpdatedAt     time.Time
}

// Call is one dial attempt.
type Call struct {
	ID          string
	CampaignID  string
	ContactRef  string
	Status      CallStatus
	PreToken    string
	ActiveToken string
	ProviderRef string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	EndedAt     time.Time // zero while the call is live
}
