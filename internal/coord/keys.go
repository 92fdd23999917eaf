package coord

import "fmt"

// Keys addresses the per-campaign key namespace. The braces around the
// campaign ID hash-tag every key of one campaign onto a single shard so the
// admission scripts touch co-located keys.
type Keys struct {
	CampaignID string
}

// NewKeys returns the key namespace for a campaign.
func NewKeys(campaignID string) Keys {
	return Keys{CampaignID: campaignID}
}

func (k Keys) prefix() string {
	return fmt.Sprintf("campaign:{%s}", k.CampaignID)
}

// Limit is the max-simultaneous-calls integer.
func (k Keys) Limit() string { return k.prefix() + ":limit" }

// Leases is the set of occupied slots (members: callID or "pre-"+callID).
func (k Keys) Leases() string { return k.prefix() + ":leases" }

// Lease is the proof-of-holding key for a lease set member.
func (k Keys) Lease(member string) string { return k.prefix() + ":lease:" + member }

// LeaseCap bounds total pre-dial renewal for a member; it expires at the
// hard pre-dial cap and is never renewed.
func (k Keys) LeaseCap(member string) string { return k.prefix() + ":lease:" + member + ":cap" }

// Reserved counts slots debited to promoted-but-unclaimed jobs.
func (k Keys) Reserved() string { return k.prefix() + ":reserved" }

// Ledger is the ordered set of outstanding reservations ("H:"/"N:" + jobID,
// scored by reservation timestamp).
func (k Keys) Ledger() string { return k.prefix() + ":reserved:ledger" }

// Waitlist is the FIFO list for a priority class ("high" or "normal").
func (k Keys) Waitlist(priority string) string { return k.prefix() + ":waitlist:" + priority }

// WaitlistIndex is the membership set making enqueue idempotent by callID.
func (k Keys) WaitlistIndex() string { return k.prefix() + ":waitlist:ids" }

// Fairness is the interleave cursor for weighted class admission.
func (k Keys) Fairness() string { return k.prefix() + ":fairness" }

// PromoteGate is the single-flight guard for promoter passes.
func (k Keys) PromoteGate() string { return k.prefix() + ":promote-gate" }

// PromoteSeq is the monotonic sequence stamped onto each admitted job.
func (k Keys) PromoteSeq() string { return k.prefix() + ":promote-gate:seq" }

// ColdStart is the cold-start flag ("blocking" or "done").
func (k Keys) ColdStart() string { return k.prefix() + ":cold-start" }

// Circuit is the open-circuit marker (present with TTL while open).
func (k Keys) Circuit() string { return k.prefix() + ":circuit" }

// CircuitFailures is the sliding window of dispatch failure timestamps.
func (k Keys) CircuitFailures() string { return k.prefix() + ":cb:fail" }

// SlotAvailableChannel is the pub/sub channel that wakes the promoter.
// Channels are not sharded, so no hash tag.
func (k Keys) SlotAvailableChannel() string {
	return fmt.Sprintf("campaign:%s:slot-available", k.CampaignID)
}

// PreMember returns the lease-set member for a pre-dial hold.
func PreMember(callID string) string { return "pre-" + callID }
