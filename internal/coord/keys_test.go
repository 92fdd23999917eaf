package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeysShareHashTag(t *testing.T) {
	k := NewKeys("c42")

	assert.Equal(t, "campaign:{c42}:limit", k.Limit())
	assert.Equal(t, "campaign:{c42}:leases", k.Leases())
	assert.Equal(t, "campaign:{c42}:lease:pre-x1", k.Lease(PreMember("x1")))
	assert.Equal(t, "campaign:{c42}:reserved:ledger", k.Ledger())
	assert.Equal(t, "campaign:{c42}:waitlist:high", k.Waitlist("high"))
	assert.Equal(t, "campaign:{c42}:promote-gate:seq", k.PromoteSeq())
}

func TestSlotAvailableChannelHasNoHashTag(t *testing.T) {
	k := NewKeys("c42")
	assert.Equal(t, "campaign:c42:slot-available", k.SlotAvailableChannel())
}
