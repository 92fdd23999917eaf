// Package campaign holds the domain model shared by the concurrency core:
// campaign and contact lifecycles, retry policy, and the job payload
// descriptor that travels through the broker.
package campaign

import (
	"fmt"
	"time"
)

// State is the operator-visible campaign lifecycle.
type State string

const (
	StateDraft     State = "DRAFT"
	StateActive    State = "ACTIVE"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
)

// IsTerminal reports whether no further dialing may occur.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// AllowsPromotion reports whether new contacts may be admitted.
func (s State) AllowsPromotion() bool {
	return s == StateActive
}

// ContactState is the per-contact dialing lifecycle.
type ContactState string

const (
	ContactPending   ContactState = "PENDING"
	ContactQueued    ContactState = "QUEUED"
	ContactCalling   ContactState = "CALLING"
	ContactCompleted ContactState = "COMPLETED"
	ContactFailed    ContactState = "FAILED"
	ContactVoicemail ContactState = "VOICEMAIL"
	ContactSkipped   ContactState = "SKIPPED"
)

// Priority is the waitlist admission class.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// RetryPolicy is the per-campaign recoverable-failure policy. The core only
// exposes hooks; these values decide whether and when a contact re-enters
// the waitlist.
type RetryPolicy struct {
	RetryFailed      bool          `json:"retryFailed"`
	MaxRetryAttempts int           `json:"maxRetryAttempts"`
	RetryDelay       time.Duration `json:"retryDelay"`
	ExcludeVoicemail bool          `json:"excludeVoicemail"`
}

// ShouldRetry decides whether a contact with the given terminal status and
// prior retry count is re-queued.
func (p RetryPolicy) ShouldRetry(status ContactState, retryCount int) bool {
	if !p.RetryFailed || retryCount >= p.MaxRetryAttempts {
		return false
	}
	switch status {
	case ContactFailed:
		return true
	case ContactVoicemail:
		return !p.ExcludeVoicemail
	default:
		return false
	}
}

// Campaign is a named outbound-calling run bound to one agent and one
// source phone identity.
type Campaign struct {
	ID              string
	Name            string
	State           State
	ConcurrentLimit int
	Retry           RetryPolicy
	PriorityMode    Priority // default class for contacts without one
	AgentRef        string
	PhoneRef        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobPayload is the explicit, versioned descriptor carried by every broker
// job. Nothing is looked up by ambient context.
type JobPayload struct {
	Version    int      `json:"v"`
	CampaignID string   `json:"campaignId"`
	CallID     string   `json:"callId"`
	ContactRef string   `json:"contactRef"`
	AgentRef   string   `json:"agentRef"`
	PhoneRef   string   `json:"phoneRef"`
	To         string   `json:"to"`
	RetryCount int      `json:"retryCount"`
	Priority   Priority `json:"priority"`
	PromoteSeq int64    `json:"promoteSeq,omitempty"`
	NotBefore  int64    `json:"nbf,omitempty"` // unix ms; zero means dial now
}

// PayloadVersion is the current JobPayload schema version.
const PayloadVersion = 1

// JobID derives the broker job identity from the campaign-contact pair and
// attempt number, so the broker's per-job uniqueness rejects duplicates of
// the same attempt while allowing retries.
func JobID(campaignID, contactRef string, retryCount int) string {
	return fmt.Sprintf("%s:%s:%d", campaignID, contactRef, retryCount)
}
